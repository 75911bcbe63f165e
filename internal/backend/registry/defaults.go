package registry

// DefaultBackends returns the built-in agent backend launch specs.
// These can be overridden or extended via the backends YAML file.
func DefaultBackends() []*Backend {
	return []*Backend{
		{
			ID:          "claude-code",
			Name:        "Claude Code",
			Description: "Anthropic Claude Code CLI in headless mode",
			Command:     "claude",
			Args:        []string{"-p", PromptPlaceholder, "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			Structured:  true,
			Enabled:     true,
		},
		{
			ID:          "codex",
			Name:        "Codex CLI",
			Description: "OpenAI Codex CLI in full-auto mode",
			Command:     "codex",
			Args:        []string{"exec", "--json", PromptPlaceholder},
			RequiredEnv: []string{"OPENAI_API_KEY"},
			Structured:  true,
			Enabled:     true,
		},
		{
			ID:          "gemini",
			Name:        "Gemini CLI",
			Description: "Google Gemini CLI, plain text output",
			Command:     "gemini",
			Args:        []string{"-p", PromptPlaceholder, "--yolo"},
			RequiredEnv: []string{"GEMINI_API_KEY"},
			Structured:  false,
			Enabled:     true,
		},
		{
			ID:          "shell",
			Name:        "Shell",
			Description: "Runs the prompt as a shell command, for testing pipelines",
			Command:     "sh",
			Args:        []string{"-c", PromptPlaceholder},
			Structured:  false,
			Enabled:     false,
		},
	}
}
