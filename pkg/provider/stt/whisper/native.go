// Package whisper implements stt.Provider using whisper.cpp's Go bindings
// (CGO), eliminating HTTP round-trips entirely. It is the offline/on-prem
// TranscriptionClient backend selected via the config provider registry.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/reelnotes/sessioncore/pkg/provider/stt"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider by running a single whisper.cpp inference
// pass over the entire accumulated audio blob. The model is loaded once at
// startup and shared across all sessions; each call creates its own
// whisper.cpp context, since contexts are not safe for concurrent use.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option configures a Provider during construction.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code used when a Request
// does not specify one. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New loads the whisper.cpp model from modelPath and returns a Provider.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe decodes req.Audio to mono float32 PCM and runs one whisper.cpp
// inference pass, returning the concatenated segment text. whisper.cpp does
// not report a confidence score, so Result.Confidence is a fixed high value
// (0.9) when any speech is recognised and 0 when the output is empty —
// callers relying on confidence-gated auto-posting should prefer a cloud
// backend that reports a real score.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}

	samples, err := decodePCM16Mono(req.Audio)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: decode audio: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	text := strings.Join(parts, " ")
	confidence := 0.0
	if text != "" {
		confidence = 0.9
	}

	return stt.Result{Text: text, Confidence: confidence, Language: lang}, nil
}
