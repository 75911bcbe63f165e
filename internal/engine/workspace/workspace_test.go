package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentflow/agentflow/internal/common/logger"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), logger.Default())
}

func writeProjectFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPrepare_FullUsesProjectDir(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir()

	ws, warnings, err := m.Prepare(project, v1.WorkspaceFull, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if ws.Dir != project {
		t.Fatalf("expected project dir %s, got %s", project, ws.Dir)
	}

	// Release must never touch the project directory.
	if err := m.Release(ws); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(project); err != nil {
		t.Fatalf("project dir removed by release: %v", err)
	}
}

func TestPrepare_EmptyCreatesFreshDir(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir()
	writeProjectFile(t, project, "secret.txt", "do not leak")

	ws, _, err := m.Prepare(project, v1.WorkspaceEmpty, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if ws.Dir == project {
		t.Fatalf("empty workspace must not be the project dir")
	}

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, got %d entries", len(entries))
	}

	if err := m.Release(ws); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		if ws.Dir != "" {
			t.Fatalf("expected workspace removed after release")
		}
	}
}

func TestPrepare_WhitelistCopiesAllowedPaths(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir()
	writeProjectFile(t, project, "README.md", "readme")
	writeProjectFile(t, project, "src/main.go", "package main")
	writeProjectFile(t, project, "src/util/helper.go", "package util")
	writeProjectFile(t, project, "secret.env", "KEY=1")

	ws, warnings, err := m.Prepare(project, v1.WorkspaceWhitelist, []string{"README.md", "src"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer m.Release(ws)

	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	for _, rel := range []string{"README.md", "src/main.go", "src/util/helper.go"} {
		if _, err := os.Stat(filepath.Join(ws.Dir, rel)); err != nil {
			t.Fatalf("expected %s in workspace: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "secret.env")); !os.IsNotExist(err) {
		t.Fatalf("secret.env must not be copied into whitelist workspace")
	}
}

func TestPrepare_WhitelistMissingPathWarnsNotFails(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir()
	writeProjectFile(t, project, "exists.txt", "x")

	ws, warnings, err := m.Prepare(project, v1.WorkspaceWhitelist, []string{"exists.txt", "missing.txt"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer m.Release(ws)

	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "exists.txt")); err != nil {
		t.Fatalf("expected exists.txt copied: %v", err)
	}
}

func TestPrepare_WhitelistRejectsEscapingPath(t *testing.T) {
	m := newTestManager(t)
	project := t.TempDir()

	if _, _, err := m.Prepare(project, v1.WorkspaceWhitelist, []string{"../outside"}); err == nil {
		t.Fatalf("expected error for path escaping project dir")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ws, _, err := m.Prepare(t.TempDir(), v1.WorkspaceEmpty, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.Release(ws); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := m.Release(ws); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestPrepare_UnknownPolicyFails(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Prepare(t.TempDir(), v1.WorkspacePolicy("sandbox"), nil); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
