package sessionactor

import "time"

// Config tunes the actor's buffering, timing, and confidence policy. The
// zero value is not usable directly; New applies withDefaults.
type Config struct {
	// MailboxSoft is the backlog length at which Cancel/UpdateVideoContext
	// begin bypassing accumulating stream data (default 50).
	MailboxSoft int

	// MailboxHard is the backlog length at which non-priority messages are
	// rejected at enqueue time (default 200).
	MailboxHard int

	// MaxAudioBytes bounds audio_context_buffer (default 5 MB).
	MaxAudioBytes int

	// MaxAudioDuration bounds accumulated audio duration (default 60s).
	MaxAudioDuration time.Duration

	// ConfirmGrace is how long a ghost note waits before auto-firming
	// (default 3s).
	ConfirmGrace time.Duration

	// ConfidenceFloor is the hard floor below which a note is dropped
	// entirely, never persisted (default 0.25).
	ConfidenceFloor float64

	// AutoPostThreshold is the confidence at or above which a firmed note
	// is automatically queued for posting (default 0.6). Notes in
	// [ConfidenceFloor, AutoPostThreshold) are persisted with LowConfidence
	// set but not auto-posted.
	AutoPostThreshold float64

	// CheckpointInterval is how often the actor persists a snapshot while
	// active (default 5m).
	CheckpointInterval time.Duration

	// OutboxRetain is the number of most recent outbound events kept for
	// reconnect replay (default 100).
	OutboxRetain int

	// IdleTimeout is how long the actor waits without handling any mailbox
	// message before persisting a final checkpoint, stopping itself, and
	// asking the registry to destroy it (default 30m). Zero or a negative
	// value falls back to the default.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MailboxSoft <= 0 {
		c.MailboxSoft = 50
	}
	if c.MailboxHard <= 0 {
		c.MailboxHard = 200
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = 5 * 1024 * 1024
	}
	if c.MaxAudioDuration <= 0 {
		c.MaxAudioDuration = 60 * time.Second
	}
	if c.ConfirmGrace <= 0 {
		c.ConfirmGrace = 3 * time.Second
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.25
	}
	if c.AutoPostThreshold <= 0 {
		c.AutoPostThreshold = 0.6
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Minute
	}
	if c.OutboxRetain <= 0 {
		c.OutboxRetain = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	return c
}
