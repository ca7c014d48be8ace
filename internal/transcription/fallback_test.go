package transcription

import (
	"context"
	"testing"

	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
	sttmock "github.com/reelnotes/sessioncore/pkg/provider/stt/mock"
)

func TestFallbackProvider_PrimarySucceeds(t *testing.T) {
	primary := sttmock.New()
	primary.Default.Text = "from primary"
	fallback := sttmock.New()
	fallback.Default.Text = "from fallback"

	p := NewFallbackProvider(primary, "primary", resilience.CircuitBreakerConfig{MaxFailures: 2},
		NamedProvider{Name: "fallback", Provider: fallback})

	got, err := p.Transcribe(context.Background(), stt.Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from primary" {
		t.Fatalf("got %q, want primary's response", got.Text)
	}
	if len(fallback.Calls) != 0 {
		t.Fatalf("fallback should not have been called")
	}
}

func TestFallbackProvider_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := sttmock.New()
	primary.EnqueueErr(&Error{Kind: FailureUpstreamError})
	fallback := sttmock.New()
	fallback.Default.Text = "from fallback"

	p := NewFallbackProvider(primary, "primary", resilience.CircuitBreakerConfig{MaxFailures: 2},
		NamedProvider{Name: "fallback", Provider: fallback})

	got, err := p.Transcribe(context.Background(), stt.Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from fallback" {
		t.Fatalf("got %q, want fallback's response", got.Text)
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	primary := sttmock.New()
	primary.EnqueueErr(&Error{Kind: FailureUpstreamError})
	fallback := sttmock.New()
	fallback.EnqueueErr(&Error{Kind: FailureUpstreamError})

	p := NewFallbackProvider(primary, "primary", resilience.CircuitBreakerConfig{MaxFailures: 2},
		NamedProvider{Name: "fallback", Provider: fallback})

	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("expected error when every entry fails")
	}
}
