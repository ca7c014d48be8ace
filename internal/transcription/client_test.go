package transcription

import (
	"context"
	"testing"
	"time"

	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
	sttmock "github.com/reelnotes/sessioncore/pkg/provider/stt/mock"
	"github.com/reelnotes/sessioncore/pkg/types"
)

func TestTranscribe_Success(t *testing.T) {
	provider := sttmock.New()
	provider.Default.Text = "pacing feels slow here"
	provider.Default.Confidence = 0.86

	c := New(provider, Config{Retry: resilience.RetryConfig{BaseDelay: time.Millisecond}}, nil)
	got, err := c.Transcribe(context.Background(), types.TranscribeRequest{Audio: []byte("abc")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "pacing feels slow here" || got.Confidence != 0.86 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestTranscribe_RejectsEmptyAudio(t *testing.T) {
	provider := sttmock.New()
	c := New(provider, Config{}, nil)
	_, err := c.Transcribe(context.Background(), types.TranscribeRequest{})
	if err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestTranscribe_RejectsOversizeAudio(t *testing.T) {
	provider := sttmock.New()
	c := New(provider, Config{}, nil)
	_, err := c.Transcribe(context.Background(), types.TranscribeRequest{Audio: make([]byte, maxAudioBytes+1)})
	if err == nil {
		t.Fatal("expected error for oversize audio")
	}
}

func TestTranscribe_RetriesTransientThenSucceeds(t *testing.T) {
	provider := sttmock.New()
	provider.EnqueueErr(&Error{Kind: FailureUpstreamError, Cause: context.DeadlineExceeded})
	provider.Enqueue(stt.Result{Text: "audio is too quiet", Confidence: 0.74})

	cfg := Config{Retry: resilience.RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 3}}
	c := New(provider, cfg, nil)
	got, err := c.Transcribe(context.Background(), types.TranscribeRequest{Audio: []byte("abc")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "audio is too quiet" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(provider.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(provider.Calls))
	}
}

func TestTranscribe_DoesNotRetryInvalidInput(t *testing.T) {
	provider := sttmock.New()
	provider.EnqueueErr(&Error{Kind: FailureInvalidAudio, Cause: context.DeadlineExceeded})

	cfg := Config{Retry: resilience.RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 4}}
	c := New(provider, cfg, nil)
	_, err := c.Transcribe(context.Background(), types.TranscribeRequest{Audio: []byte("abc")})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(provider.Calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry for invalid input)", len(provider.Calls))
	}
}
