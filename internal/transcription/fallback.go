package transcription

import (
	"context"

	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
)

// fallbackProvider adapts a resilience.FallbackGroup of stt.Provider values
// into a single stt.Provider: Transcribe tries the primary entry first and
// falls through the group in registration order once a breaker opens or a
// call fails outright.
type fallbackProvider struct {
	group *resilience.FallbackGroup[stt.Provider]
}

// NewFallbackProvider builds an stt.Provider that tries primary before
// falling back, in order, to each of fallbacks. Each entry gets its own
// circuit breaker so a struggling primary doesn't drag the fallback down
// with it.
func NewFallbackProvider(primary stt.Provider, primaryName string, breakerCfg resilience.CircuitBreakerConfig, fallbacks ...NamedProvider) stt.Provider {
	group := resilience.NewFallbackGroup(primary, primaryName, resilience.FallbackConfig{CircuitBreaker: breakerCfg})
	for _, f := range fallbacks {
		group.AddFallback(f.Name, f.Provider)
	}
	return &fallbackProvider{group: group}
}

// NamedProvider pairs a fallback stt.Provider with the name its circuit
// breaker and log lines should report.
type NamedProvider struct {
	Name     string
	Provider stt.Provider
}

func (f *fallbackProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return resilience.ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}
