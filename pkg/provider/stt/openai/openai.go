// Package openai implements stt.Provider against OpenAI's Whisper-compatible
// transcription endpoint, for deployments that prefer a cloud backend over
// the on-prem whisper.cpp binding in pkg/provider/stt/whisper.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/reelnotes/sessioncore/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio transcription API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option configures a Provider during construction.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (for proxies or
// Azure-compatible gateways).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout, independent of ctx deadlines.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider using model (defaults to "whisper-1" if empty).
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Transcribe implements stt.Provider by uploading req.Audio unchanged (no
// format conversion) to the transcription endpoint. OpenAI's endpoint does not return a confidence
// score, so Result.Confidence is fixed at 0.85 for any non-empty transcript.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, fmt.Errorf("openai stt: empty audio")
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  bytes.NewReader(req.Audio),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	confidence := 0.0
	if resp.Text != "" {
		confidence = 0.85
	}

	lang := req.Language
	if lang == "" {
		lang = "auto"
	}

	return stt.Result{Text: resp.Text, Confidence: confidence, Language: lang}, nil
}
