// Package workspace prepares the working directory each step's agent
// process runs in, according to the step's isolation policy.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/logger"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// Workspace is a prepared working directory for one step execution.
type Workspace struct {
	// Dir is the directory the agent process runs in.
	Dir string

	Policy v1.WorkspacePolicy

	// temp reports whether Dir was created by the manager and must be
	// removed on Release. The project directory is never temp.
	temp bool
}

// Manager prepares and releases step workspaces.
type Manager struct {
	basePath string
	logger   *logger.Logger
}

// NewManager creates a workspace manager. basePath is where temporary
// workspaces are created; empty means the system temp directory.
func NewManager(basePath string, log *logger.Logger) *Manager {
	return &Manager{
		basePath: basePath,
		logger:   log.WithFields(zap.String("component", "workspace")),
	}
}

// Prepare builds a workspace for a step. For the whitelist policy,
// allowed paths that do not exist under the project directory produce
// warnings, not errors. The returned warnings are surfaced to the
// caller so they can be recorded against the run.
func (m *Manager) Prepare(projectDir string, policy v1.WorkspacePolicy, allowedPaths []string) (*Workspace, []string, error) {
	switch policy {
	case v1.WorkspaceFull, "":
		return &Workspace{Dir: projectDir, Policy: v1.WorkspaceFull}, nil, nil

	case v1.WorkspaceEmpty:
		dir, err := m.mkTemp()
		if err != nil {
			return nil, nil, err
		}
		return &Workspace{Dir: dir, Policy: policy, temp: true}, nil, nil

	case v1.WorkspaceWhitelist:
		dir, err := m.mkTemp()
		if err != nil {
			return nil, nil, err
		}
		warnings, err := m.copyAllowed(projectDir, dir, allowedPaths)
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return &Workspace{Dir: dir, Policy: policy, temp: true}, warnings, nil

	default:
		return nil, nil, fmt.Errorf("unknown workspace policy %q", policy)
	}
}

// Release removes a temporary workspace. Releasing a full-policy
// workspace is a no-op. Release is safe to call more than once.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || !ws.temp || ws.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		m.logger.Warn("failed to remove workspace",
			zap.String("dir", ws.Dir),
			zap.Error(err))
		return err
	}
	ws.Dir = ""
	return nil
}

func (m *Manager) mkTemp() (string, error) {
	base := m.basePath
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "agentflow-ws-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// copyAllowed copies each allowed path from the project directory into
// the workspace, preserving relative layout. Paths escaping the project
// directory are rejected.
func (m *Manager) copyAllowed(projectDir, dst string, allowedPaths []string) ([]string, error) {
	var warnings []string
	for _, rel := range allowedPaths {
		clean := filepath.Clean(rel)
		if clean == ".." || filepath.IsAbs(clean) || len(clean) >= 3 && clean[:3] == ".."+string(filepath.Separator) {
			return nil, fmt.Errorf("allowed path %q escapes the project directory", rel)
		}

		src := filepath.Join(projectDir, clean)
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				warnings = append(warnings, fmt.Sprintf("allowed path %q does not exist, skipping", rel))
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", src, err)
		}

		target := filepath.Join(dst, clean)
		if info.IsDir() {
			if err := copyDir(src, target); err != nil {
				return nil, err
			}
		} else {
			if err := copyFile(src, target, info.Mode()); err != nil {
				return nil, err
			}
		}
	}
	return warnings, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
