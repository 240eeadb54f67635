package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/edgemind/edgemind/internal/errs"
)

// ExecConfig configures the executor's validation, retry, and timeout
// behavior.
type ExecConfig struct {
	// PerToolTimeout bounds one attempt.
	PerToolTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt for
	// transient failures.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles each
	// subsequent retry.
	RetryBackoff time.Duration
}

// DefaultExecConfig returns the executor defaults: 30s per tool, two
// transient retries at 100ms then 200ms.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		PerToolTimeout: 30 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Executor validates arguments against the tool's schema, invokes the
// tool, and retries transient failures. Logical failures (the tool
// returned success=false with a specific error) are never retried;
// unknown errors are treated as logical.
type Executor struct {
	registry *Registry
	config   ExecConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, config ExecConfig, logger *slog.Logger) *Executor {
	defaults := DefaultExecConfig()
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = defaults.PerToolTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, config: config, logger: logger}
}

// Execute runs a tool by name. The returned Output carries the failure
// when the tool errs; the error return is reserved for lookup and
// validation failures.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) (Output, error) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return Fail("tool not found: " + name), errs.NotFound("tool", name)
	}

	if err := validateArgs(tool, args); err != nil {
		return Fail(err.Error()), err
	}

	var out Output
	backoff := e.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		out = e.executeOnce(ctx, tool, args)
		if out.Success {
			return out, nil
		}
		if attempt >= e.config.MaxRetries || !transientOutput(out) {
			return out, nil
		}
		e.logger.Debug("retrying transient tool failure",
			"tool", name, "attempt", attempt+1, "error", out.Error)
		select {
		case <-ctx.Done():
			return Fail("context canceled"), ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// ExecuteString runs a tool and stringifies the result for conversation
// use.
func (e *Executor) ExecuteString(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	out, _ := e.Execute(ctx, name, args)
	return out.String(), out.Success
}

func (e *Executor) executeOnce(ctx context.Context, tool Tool, args json.RawMessage) Output {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	done := make(chan Output, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		done <- tool.Execute(attemptCtx, args)
	}()

	select {
	case out := <-done:
		return out
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Fail("tool timeout after " + e.config.PerToolTimeout.String())
		}
		return Fail("context canceled")
	}
}

// transientOutput classifies a failed output as retryable by the
// substring contract (timeout | network | connection | unavailable).
func transientOutput(out Output) bool {
	return errs.IsTransientMessage(out.Error)
}

// validateArgs checks args against the tool's JSON-schema parameters.
func validateArgs(tool Tool, args json.RawMessage) error {
	schema := tool.Parameters()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(schema))
	if err != nil {
		return errs.Configuration("tool "+tool.Name()+" has an invalid schema", err)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	decoder := json.NewDecoder(bytes.NewReader(args))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return errs.InvalidArguments("arguments", "not valid JSON: "+err.Error())
	}
	if err := compiled.Validate(decoded); err != nil {
		return errs.InvalidArguments("arguments", err.Error())
	}
	return nil
}
