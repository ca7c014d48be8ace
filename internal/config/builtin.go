package config

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/reelnotes/sessioncore/pkg/provider/llm"
	"github.com/reelnotes/sessioncore/pkg/provider/llm/anyllm"
	llmopenai "github.com/reelnotes/sessioncore/pkg/provider/llm/openai"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
	sttopenai "github.com/reelnotes/sessioncore/pkg/provider/stt/openai"
	"github.com/reelnotes/sessioncore/pkg/provider/stt/whisper"
)

// RegisterBuiltinProviders wires the reelnotes-native provider
// implementations into reg under the names the sample configuration and
// ValidTranscriptionProviders/ValidStructuringProviders expect.
func RegisterBuiltinProviders(reg *Registry) {
	reg.RegisterTranscription("whisper-native", newWhisperNative)
	reg.RegisterTranscription("openai-whisper", newOpenAIWhisper)
	reg.RegisterStructuring("anyllm", newAnyLLM)
	reg.RegisterStructuring("openai", newOpenAILLM)
}

func newWhisperNative(entry ProviderEntry) (stt.Provider, error) {
	modelPath := entry.BaseURL
	if v, ok := entry.Options["model_path"].(string); ok && v != "" {
		modelPath = v
	}
	var opts []whisper.Option
	if lang, ok := entry.Options["language"].(string); ok && lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	return whisper.New(modelPath, opts...)
}

func newOpenAIWhisper(entry ProviderEntry) (stt.Provider, error) {
	var opts []sttopenai.Option
	if entry.BaseURL != "" {
		opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
	}
	return sttopenai.New(entry.APIKey, entry.Model, opts...)
}

func newAnyLLM(entry ProviderEntry) (llm.Provider, error) {
	backend, _ := entry.Options["backend"].(string)
	if backend == "" {
		backend = "openai"
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(backend, entry.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: anyllm provider: %w", err)
	}
	return p, nil
}

func newOpenAILLM(entry ProviderEntry) (llm.Provider, error) {
	var opts []llmopenai.Option
	if entry.BaseURL != "" {
		opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
	}
	return llmopenai.New(entry.APIKey, entry.Model, opts...)
}
