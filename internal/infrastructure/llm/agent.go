package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/triage"
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// AgentOption configures the agent CLI backend.
type AgentOption func(*AgentBackend)

// WithBinary overrides the agent executable.
func WithBinary(binary string) AgentOption {
	return func(a *AgentBackend) {
		if binary != "" {
			a.binary = binary
		}
	}
}

// WithModel passes --model to the agent.
func WithModel(model string) AgentOption {
	return func(a *AgentBackend) {
		a.model = model
	}
}

// WithExtraArgs appends arguments after the built-in flags.
func WithExtraArgs(args ...string) AgentOption {
	return func(a *AgentBackend) {
		a.extraArgs = append(a.extraArgs, args...)
	}
}

// AgentBackend runs an external agent process in print mode. The prompt is
// written to its stdin and free-form text is read from stdout.
type AgentBackend struct {
	binary    string
	model     string
	extraArgs []string
}

var _ triage.Backend = (*AgentBackend)(nil)

// NewAgentBackend constructs the backend from configuration and options.
func NewAgentBackend(cfg config.AgentConfig, opts ...AgentOption) *AgentBackend {
	a := &AgentBackend{binary: "agent"}
	WithBinary(cfg.Binary)(a)
	a.model = cfg.Model
	a.extraArgs = append(a.extraArgs, cfg.ExtraArgs...)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AgentBackend) ID() string    { return config.BackendAgent }
func (a *AgentBackend) Model() string { return a.model }

func (a *AgentBackend) Capabilities() triage.Capabilities {
	return triage.Capabilities{StdinDelivery: true}
}

// Available checks that the executable can be found.
func (a *AgentBackend) Available() error {
	if _, err := lookPath(a.binary); err != nil {
		return fmt.Errorf("%w: `%s` command was not found on PATH; install the agent CLI or set AGENT_BINARY / triage.agent.binary",
			domain.ErrBackendUnavailable, a.binary)
	}
	return nil
}

func (a *AgentBackend) args() []string {
	args := []string{"-p", "--output-format", "text", "--trust"}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	return append(args, a.extraArgs...)
}

// Triage runs one agent process per batch.
func (a *AgentBackend) Triage(ctx context.Context, req triage.Request) (triage.Response, error) {
	cmd := commandContext(ctx, a.binary, a.args()...) //nolint:gosec
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return triage.Response{}, a.classify(ctx, err, stderr.String())
	}

	if strings.TrimSpace(stdout.String()) == "" {
		return triage.Response{}, fmt.Errorf("%w: %s produced no output; stderr: %s",
			domain.ErrBackendMalformed, a.binary, strings.TrimSpace(stderr.String()))
	}
	return triage.Unstructured(stdout.String()), nil
}

func (a *AgentBackend) classify(ctx context.Context, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s did not finish: %v; stderr: %s", domain.ErrBackendTimeout, a.binary, ctxErr, stderr)
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: `%s` command was not found on PATH (%v); install the agent CLI or set AGENT_BINARY / triage.agent.binary",
			domain.ErrBackendUnavailable, a.binary, execErr.Err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 126, 127:
			return fmt.Errorf("%w: %s exited with status %d: %s", domain.ErrBackendUnavailable, a.binary, code, stderr)
		default:
			return fmt.Errorf("%w: %s exited with status %d: %s", domain.ErrBackendTimeout, a.binary, code, stderr)
		}
	}

	return fmt.Errorf("%w: run %s: %v; stderr: %s", domain.ErrBackendTimeout, a.binary, err, stderr)
}
