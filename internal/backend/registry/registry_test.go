package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentflow/agentflow/internal/common/logger"
)

func TestRegistry_ResolveDefault(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.LoadDefaults()

	t.Setenv("GEMINI_API_KEY", "test-key")
	b, err := r.Resolve("gemini")
	if err != nil {
		t.Fatalf("resolve gemini: %v", err)
	}
	if b.Command != "gemini" {
		t.Fatalf("expected command gemini, got %s", b.Command)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.LoadDefaults()

	if _, err := r.Resolve("no-such-backend"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRegistry_ResolveDisabled(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.LoadDefaults()

	if _, err := r.Resolve("shell"); err == nil {
		t.Fatalf("expected error for disabled backend")
	}
}

func TestRegistry_ResolveMissingRequiredEnv(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Register(&Backend{
		ID:          "needs-key",
		Command:     "some-cli",
		RequiredEnv: []string{"AGENTFLOW_TEST_MISSING_KEY"},
		Enabled:     true,
	})

	os.Unsetenv("AGENTFLOW_TEST_MISSING_KEY")
	if _, err := r.Resolve("needs-key"); err == nil {
		t.Fatalf("expected error for missing required env")
	}
}

func TestRegistry_LoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	content := `backends:
  - id: gemini
    name: Gemini Custom
    command: /opt/gemini/bin/gemini
    args: ["-p", "{prompt}"]
    enabled: true
  - id: ""
    command: ignored
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write backends file: %v", err)
	}

	r := NewRegistry(logger.Default())
	r.LoadDefaults()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load file: %v", err)
	}

	b, err := r.Resolve("gemini")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b.Command != "/opt/gemini/bin/gemini" {
		t.Fatalf("expected overridden command, got %s", b.Command)
	}
}

func TestBackend_BuildArgsReplacesPlaceholder(t *testing.T) {
	b := &Backend{
		Command: "claude",
		Args:    []string{"-p", PromptPlaceholder, "--output-format", "stream-json"},
	}
	args := b.BuildArgs("fix the tests")
	want := []string{"-p", "fix the tests", "--output-format", "stream-json"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}
}

func TestBackend_BuildArgsAppendsPromptWhenNoPlaceholder(t *testing.T) {
	b := &Backend{Command: "agent", Args: []string{"--auto"}}
	args := b.BuildArgs("do the thing")
	if len(args) != 2 || args[1] != "do the thing" {
		t.Fatalf("expected prompt appended as final arg, got %v", args)
	}
}
