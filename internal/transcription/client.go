// Package transcription wraps a pkg/provider/stt.Provider with the
// timeout/retry/circuit-breaker discipline required of the
// TranscriptionClient component: a 30s per-attempt deadline, a 60s overall
// budget including retries, and a shared breaker per backend.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
	"github.com/reelnotes/sessioncore/pkg/types"
)

const maxAudioBytes = 5 * 1024 * 1024

// Failure classifies a terminal Transcribe error.
type Failure string

const (
	FailureTimeout       Failure = "timeout"
	FailureUpstreamError Failure = "upstream_error"
	FailureRateLimited   Failure = "rate_limited"
	FailureInvalidAudio  Failure = "invalid_audio"
	FailureCancelled     Failure = "cancelled"
)

// Error wraps a Failure classification around an underlying cause.
type Error struct {
	Kind  Failure
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("transcription: %s: %v", e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Retryable implements resilience.Retryable: only upstream/timeout/rate-limit
// failures are retried; invalid input and cancellation are terminal.
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
	PerAttemptTimeout time.Duration // default 30s
	OverallBudget     time.Duration // default 60s
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = 30 * time.Second
	}
	if c.OverallBudget <= 0 {
		c.OverallBudget = 60 * time.Second
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 10 * time.Second
	}
	return c
}

// Client is the TranscriptionClient: a request/response call with retry,
// timeout, and circuit breaker wrapped around a stt.Provider backend.
type Client struct {
	provider stt.Provider
	cfg      Config
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// New constructs a Client backed by provider.
func New(provider stt.Provider, cfg Config, metrics *observe.Metrics) *Client {
	cfg = cfg.withDefaults()
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "transcription"
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:  metrics,
	}
}

// Transcribe runs req against the backend, retrying transient failures
// within the overall budget and honouring the shared circuit breaker.
func (c *Client) Transcribe(ctx context.Context, req types.TranscribeRequest) (types.Transcript, error) {
	if len(req.Audio) == 0 {
		return types.Transcript{}, &Error{Kind: FailureInvalidAudio, Cause: errors.New("empty audio")}
	}
	if len(req.Audio) > maxAudioBytes {
		return types.Transcript{}, &Error{Kind: FailureInvalidAudio, Cause: fmt.Errorf("audio exceeds %d bytes", maxAudioBytes)}
	}

	overallCtx, cancel := context.WithTimeout(ctx, c.cfg.OverallBudget)
	defer cancel()

	var result stt.Result
	err := resilience.Retry(overallCtx, c.cfg.Retry, func(attemptCtx context.Context) error {
		attemptCtx, attemptCancel := context.WithTimeout(attemptCtx, c.cfg.PerAttemptTimeout)
		defer attemptCancel()

		breakerErr := c.breaker.Execute(func() error {
			r, err := c.provider.Transcribe(attemptCtx, stt.Request{
				Audio:         req.Audio,
				ContentType:   req.ContentType,
				CorrelationID: req.CorrelationID,
			})
			if err != nil {
				return classify(attemptCtx, err)
			}
			result = r
			return nil
		})
		if c.metrics != nil {
			status := "ok"
			if breakerErr != nil {
				status = "error"
			}
			c.metrics.RecordProviderRequest(attemptCtx, "transcription", "stt", status)
		}
		if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
			if c.metrics != nil {
				c.metrics.RecordBreakerTrip(attemptCtx, "transcription")
			}
			return &Error{Kind: FailureUpstreamError, Cause: breakerErr}
		}
		return breakerErr
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordProviderError(overallCtx, "transcription", string(classifyKind(err)))
		}
		return types.Transcript{}, err
	}

	return types.Transcript{
		Text:       result.Text,
		Source:     types.SourceCloud,
		Confidence: result.Confidence,
		Language:   result.Language,
	}, nil
}

// classify wraps a raw provider error as a retry-classified *Error.
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
