// Package mock provides an in-memory stt.Provider for tests that exercise
// TranscriptionClient without a real backend.
package mock

import (
	"context"
	"sync"

	"github.com/reelnotes/sessioncore/pkg/provider/stt"
)

// Provider is a scriptable stt.Provider. Each call consumes the next queued
// response (or error, if queued with EnqueueErr); once exhausted it returns
// Default.
type Provider struct {
	mu        sync.Mutex
	responses []response
	Default   stt.Result
	Calls     []stt.Request
}

type response struct {
	result stt.Result
	err    error
}

// New returns an empty mock Provider.
func New() *Provider {
	return &Provider{Default: stt.Result{Text: "", Confidence: 0}}
}

// Enqueue schedules the next Transcribe call to return result.
func (p *Provider) Enqueue(result stt.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, response{result: result})
}

// EnqueueErr schedules the next Transcribe call to return err.
func (p *Provider) EnqueueErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, response{err: err})
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if len(p.responses) == 0 {
		return p.Default, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	if next.err != nil {
		return stt.Result{}, next.err
	}
	return next.result, nil
}
