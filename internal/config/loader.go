package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidTranscriptionProviders and ValidStructuringProviders list the
// provider names the registry is expected to know about. An unrecognized
// name is not a validation error — it only produces a warning, since a
// deployment may register additional backends at startup via
// Registry.RegisterTranscription/RegisterStructuring.
var (
	ValidTranscriptionProviders = []string{"whisper-native", "openai-whisper"}
	ValidStructuringProviders   = []string{"anyllm", "openai"}
)

// Load reads and parses the YAML configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML from r in strict mode: unknown fields are
// rejected rather than silently ignored.
func LoadFromReader(r io.Reader) (Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg for structural errors, joining every problem found
// rather than stopping at the first.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Server.MetricsAddr == "" {
		errs = append(errs, errors.New("config: server.metrics_addr must not be empty"))
	}
	if cfg.Gateway.ListenAddr == "" {
		errs = append(errs, errors.New("config: gateway.listen_addr must not be empty"))
	}
	if cfg.Gateway.RateLimitRPS < 0 {
		errs = append(errs, errors.New("config: gateway.rate_limit_rps must not be negative"))
	}

	if cfg.Providers.Transcription.Name == "" {
		errs = append(errs, errors.New("config: providers.transcription.name must not be empty"))
	} else {
		validateProviderName("transcription", cfg.Providers.Transcription.Name, ValidTranscriptionProviders)
	}
	if cfg.Providers.Structuring.Name == "" {
		errs = append(errs, errors.New("config: providers.structuring.name must not be empty"))
	} else {
		validateProviderName("structuring", cfg.Providers.Structuring.Name, ValidStructuringProviders)
	}

	switch cfg.NoteStore.Backend {
	case "postgres":
		if cfg.NoteStore.PostgresDSN == "" {
			errs = append(errs, errors.New("config: note_store.postgres_dsn required when backend is postgres"))
		}
	case "memory":
	case "":
		errs = append(errs, errors.New("config: note_store.backend must not be empty"))
	default:
		errs = append(errs, fmt.Errorf("config: note_store.backend %q is not one of postgres, memory", cfg.NoteStore.Backend))
	}

	if cfg.JobDispatcher.Workers < 0 {
		errs = append(errs, errors.New("config: job_dispatcher.workers must not be negative"))
	}
	if cfg.JobDispatcher.MaxAttempts < 0 {
		errs = append(errs, errors.New("config: job_dispatcher.max_attempts must not be negative"))
	}
	if cfg.JobDispatcher.VisionMCPServer.Name != "" {
		switch cfg.JobDispatcher.VisionMCPServer.Transport {
		case "stdio":
			if cfg.JobDispatcher.VisionMCPServer.Command == "" {
				errs = append(errs, errors.New("config: job_dispatcher.vision_mcp_server.command required for stdio transport"))
			}
		case "sse":
			if cfg.JobDispatcher.VisionMCPServer.URL == "" {
				errs = append(errs, errors.New("config: job_dispatcher.vision_mcp_server.url required for sse transport"))
			}
		default:
			errs = append(errs, fmt.Errorf("config: job_dispatcher.vision_mcp_server.transport %q is not one of stdio, sse", cfg.JobDispatcher.VisionMCPServer.Transport))
		}
	}

	switch cfg.Session.CheckpointBackend {
	case "postgres":
		if cfg.Session.CheckpointPostgres == "" {
			errs = append(errs, errors.New("config: session.checkpoint_postgres_dsn required when checkpoint_backend is postgres"))
		}
	case "memory", "":
	default:
		errs = append(errs, fmt.Errorf("config: session.checkpoint_backend %q is not one of postgres, memory", cfg.Session.CheckpointBackend))
	}

	return errors.Join(errs...)
}

// validateProviderName logs (but does not fail validation) when name is not
// among known. Unknown names are expected when a deployment registers its
// own provider factory at startup.
func validateProviderName(kind, name string, known []string) {
	for _, k := range known {
		if k == name {
			return
		}
	}
	slog.Warn("config: provider name not in known list", "kind", kind, "name", name)
}
