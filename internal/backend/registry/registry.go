// Package registry manages the set of known agent backends.
// A backend is an external headless CLI program that accepts a prompt and
// a working directory and streams progress to its standard output.
package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentflow/agentflow/internal/common/logger"
)

// PromptPlaceholder is replaced with the step prompt in a backend's Args.
// If no argument contains it, the prompt is appended as the final argument.
const PromptPlaceholder = "{prompt}"

// Backend describes how to launch one agent backend.
type Backend struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	RequiredEnv []string          `yaml:"required_env,omitempty" json:"required_env,omitempty"`

	// Structured reports whether the backend honors the line-JSON output
	// contract. Unstructured backends are handled by the parser's
	// degraded fallback mode either way; this is a hint only.
	Structured bool `yaml:"structured,omitempty" json:"structured,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// BuildArgs returns the backend's arguments with the prompt bound.
func (b *Backend) BuildArgs(prompt string) []string {
	args := make([]string, 0, len(b.Args)+1)
	replaced := false
	for _, a := range b.Args {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, prompt)
	}
	return args
}

// Registry holds the known agent backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	logger   *logger.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		backends: make(map[string]*Backend),
		logger:   log.WithFields(zap.String("component", "backend-registry")),
	}
}

// LoadDefaults registers the built-in backend launch specs.
func (r *Registry) LoadDefaults() {
	for _, b := range DefaultBackends() {
		r.Register(b)
	}
}

// LoadFile loads backend specs from a YAML file, overriding or extending
// the defaults.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backends file: %w", err)
	}

	var file struct {
		Backends []*Backend `yaml:"backends"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse backends file: %w", err)
	}

	for _, b := range file.Backends {
		if b.ID == "" || b.Command == "" {
			r.logger.Warn("skipping backend with missing id or command",
				zap.String("id", b.ID))
			continue
		}
		r.Register(b)
	}

	r.logger.Info("loaded backends file",
		zap.String("path", path),
		zap.Int("count", len(file.Backends)))
	return nil
}

// Register adds or replaces a backend.
func (r *Registry) Register(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.ID] = b
}

// Resolve returns the backend for a selector, or an error if it is
// unknown, disabled, or missing required environment variables.
func (r *Registry) Resolve(selector string) (*Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[selector]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend %q", selector)
	}
	if !b.Enabled {
		return nil, fmt.Errorf("backend %q is disabled", selector)
	}
	for _, key := range b.RequiredEnv {
		if os.Getenv(key) == "" {
			return nil, fmt.Errorf("backend %q requires environment variable %s", selector, key)
		}
	}
	return b, nil
}

// List returns all registered backends.
func (r *Registry) List() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		result = append(result, b)
	}
	return result
}
