// Package structuring wraps a pkg/provider/llm.Provider with the
// timeout/retry/circuit-breaker discipline required of the
// StructuringClient component, and validates the provider's output shape
// (non-empty text, non-empty category, confidence in [0,1]) before handing
// it back to the caller.
package structuring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/pkg/provider/llm"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// Failure classifies a terminal Structure error.
type Failure string

const (
	FailureTimeout       Failure = "timeout"
	FailureUpstreamError Failure = "upstream_error"
	FailureRateLimited   Failure = "rate_limited"
	FailureInvalidInput  Failure = "invalid_input"
	FailureCancelled     Failure = "cancelled"
)

// Error wraps a Failure classification around an underlying cause.
type Error struct {
	Kind  Failure
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("structuring: %s: %v", e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Retryable implements resilience.Retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case FailureUpstreamError, FailureTimeout, FailureRateLimited:
		return true
	default:
		return false
	}
}

// Config tunes timeout, retry, and breaker behaviour.
type Config struct {
	PerAttemptTimeout time.Duration // default 15s
	OverallBudget     time.Duration // default 30s
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = 15 * time.Second
	}
	if c.OverallBudget <= 0 {
		c.OverallBudget = 30 * time.Second
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 10 * time.Second
	}
	return c
}

// Client is the StructuringClient: turns a transcript plus optional context
// into a structured note record via an LLM completion call.
type Client struct {
	provider llm.Provider
	cfg      Config
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// New constructs a Client backed by provider.
func New(provider llm.Provider, cfg Config, metrics *observe.Metrics) *Client {
	cfg = cfg.withDefaults()
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "structuring"
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:  metrics,
	}
}

const systemPrompt = `You convert a single spoken review comment into a structured note.
Respond with exactly three lines:
category: <short lowercase tag such as pacing, audio, visual, or other>
confidence: <a number between 0 and 1>
text: <the cleaned-up note text>`

// Structure calls the underlying LLM provider and validates the response
// shape: text and category must be non-empty, confidence must be in [0,1].
func (c *Client) Structure(ctx context.Context, req types.StructureRequest) (types.StructureResult, error) {
	if req.Transcript == "" {
		return types.StructureResult{}, &Error{Kind: FailureInvalidInput, Cause: errors.New("empty transcript")}
	}

	overallCtx, cancel := context.WithTimeout(ctx, c.cfg.OverallBudget)
	defer cancel()

	var result types.StructureResult
	err := resilience.Retry(overallCtx, c.cfg.Retry, func(attemptCtx context.Context) error {
		attemptCtx, attemptCancel := context.WithTimeout(attemptCtx, c.cfg.PerAttemptTimeout)
		defer attemptCancel()

		breakerErr := c.breaker.Execute(func() error {
			completion, err := c.provider.Complete(attemptCtx, llm.CompletionRequest{
				SystemPrompt: systemPrompt,
				Messages: []types.Message{
					{Role: "user", Content: buildUserPrompt(req)},
				},
			})
			if err != nil {
				return classify(attemptCtx, err)
			}
			parsed, perr := parseCompletion(completion.Content)
			if perr != nil {
				return &Error{Kind: FailureUpstreamError, Cause: perr}
			}
			result = parsed
			return nil
		})
		if c.metrics != nil {
			status := "ok"
			if breakerErr != nil {
				status = "error"
			}
			c.metrics.RecordProviderRequest(attemptCtx, "structuring", "llm", status)
		}
		if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
			if c.metrics != nil {
				c.metrics.RecordBreakerTrip(attemptCtx, "structuring")
			}
			return &Error{Kind: FailureUpstreamError, Cause: breakerErr}
		}
		return breakerErr
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordProviderError(overallCtx, "structuring", string(classifyKind(err)))
		}
		return types.StructureResult{}, err
	}
	return result, nil
}

func buildUserPrompt(req types.StructureRequest) string {
	prompt := fmt.Sprintf("transcript: %s\ntimestamp_seconds: %.2f\n", req.Transcript, req.Timestamp)
	if req.VisualContext != nil {
		prompt += fmt.Sprintf("visual_context_device: %s\n", req.VisualContext.Device)
	}
	for _, h := range req.SiblingHints {
		prompt += fmt.Sprintf("prior_note[%s]: %s\n", h.Category, h.Text)
	}
	return prompt
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Error{Kind: FailureTimeout, Cause: ctx.Err()}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: FailureCancelled, Cause: err}
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: FailureUpstreamError, Cause: err}
}

func classifyKind(err error) Failure {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FailureUpstreamError
}
