// Package credentials resolves the environment an agent backend process
// needs, combining the host environment with per-backend overrides.
package credentials

import (
	"fmt"
	"os"

	"github.com/agentflow/agentflow/internal/backend/registry"
)

// Provider builds process environments for backend launches.
type Provider interface {
	// EnvFor returns the full environment for a backend process.
	EnvFor(b *registry.Backend) ([]string, error)
}

// EnvProvider passes through the host environment and applies the
// backend's static Env overrides on top.
type EnvProvider struct{}

var _ Provider = (*EnvProvider)(nil)

// NewEnvProvider creates an environment-based credential provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// EnvFor returns os.Environ plus the backend's Env entries. Required
// variables are checked again here so a backend enabled after startup
// still fails fast with a clear error.
func (p *EnvProvider) EnvFor(b *registry.Backend) ([]string, error) {
	for _, key := range b.RequiredEnv {
		if os.Getenv(key) == "" {
			return nil, fmt.Errorf("missing required environment variable %s for backend %s", key, b.ID)
		}
	}

	env := os.Environ()
	for k, v := range b.Env {
		env = append(env, k+"="+v)
	}
	return env, nil
}
