package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelnotes/sessioncore/internal/sessionactor"
	"github.com/reelnotes/sessioncore/pkg/types"
)

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// protocolVersion is the only frame version this gateway accepts.
const protocolVersion = 2

// frame is the wire envelope every inbound and outbound message is wrapped
// in: {v, type, correlation_id?, payload, sequence?}.
type frame struct {
	V             int             `json:"v"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Sequence      *uint64         `json:"sequence,omitempty"`
}

// outboundFrame builds a frame for something the server is sending to the
// client. payload is marshalled as-is; a marshal failure collapses to an
// empty object rather than dropping the frame silently.
func outboundFrame(kind string, sequence *uint64, payload any) frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return frame{V: protocolVersion, Type: kind, Payload: raw, Sequence: sequence}
}

// Inbound payload shapes, decoded from frame.Payload by decodeInbound.

type transcriptFinalPayload struct {
	Text          string  `json:"text"`
	Source        string  `json:"source"`
	Confidence    float64 `json:"confidence"`
	TimestampSec  float64 `json:"timestamp_seconds"`
	AudioDuration float64 `json:"audio_duration_s"`
}

type frameEmbeddingPayload struct {
	Vector       []float32 `json:"vector"`
	TimestampSec float64   `json:"timestamp_seconds"`
	Device       string    `json:"device"`
}

type setTimestampPayload struct {
	Seconds float64 `json:"seconds"`
}

type updateVideoContextPayload struct {
	VideoID string `json:"video_id"`
}

type cancelPayload struct {
	Scope string `json:"scope"`
}

type requestRefinePayload struct {
	NoteID     string `json:"note_id"`
	WithVision bool   `json:"with_vision"`
}

type subscribePayload struct {
	Topic string `json:"topic"`
}

type catchupPayload struct {
	LastSeenSequence uint64 `json:"last_seen_sequence"`
}

// connControl is the subset of inbound frame kinds the connection handles
// itself rather than forwarding to the mailbox (subscribe/unsubscribe
// target the gateway's own subscription set; catchup sends a
// SubscriberCatchup to the actor's mailbox and waits for its reply).
type connControl struct {
	kind    string
	topic   string
	catchup catchupPayload
}

// decodeInbound turns one client frame into either a sessionactor.Message
// bound for the mailbox, or a connControl handled by the connection itself.
// At most one of the two return values is non-nil; audio_stream_start yields
// neither.
func decodeInbound(f frame) (sessionactor.Message, *connControl, error) {
	if f.V != protocolVersion {
		return nil, nil, fmt.Errorf("gateway: unsupported protocol version %d", f.V)
	}

	switch f.Type {
	case "transcript_final":
		var p transcriptFinalPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		source := types.SourceCloud
		if p.Source == "local" {
			source = types.SourceLocal
		}
		return sessionactor.TranscriptReady{
			Text:          p.Text,
			Source:        source,
			Confidence:    p.Confidence,
			AudioDuration: secondsToDuration(p.AudioDuration),
			Timestamp:     p.TimestampSec,
		}, nil, nil

	case "audio_stream_start":
		return nil, nil, nil // no mailbox effect; audio_chunk opens the listening state itself

	case "audio_stream_end":
		return sessionactor.AudioStreamEnd{}, nil, nil

	case "frame_embedding":
		var p frameEmbeddingPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return sessionactor.FrameEmbedding{Vector: p.Vector, Timestamp: p.TimestampSec, Device: p.Device}, nil, nil

	case "set_timestamp":
		var p setTimestampPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return sessionactor.SetTimestamp{Seconds: p.Seconds}, nil, nil

	case "update_video_context":
		var p updateVideoContextPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return sessionactor.UpdateVideoContext{VideoID: p.VideoID}, nil, nil

	case "cancel":
		var p cancelPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		scope := sessionactor.CancelCurrentNote
		if p.Scope == "all_inflight" {
			scope = sessionactor.CancelAllInflight
		}
		return sessionactor.Cancel{Scope: scope}, nil, nil

	case "request_refine":
		var p requestRefinePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return sessionactor.RequestRefine{NoteID: p.NoteID, WithVision: p.WithVision}, nil, nil

	case "subscribe", "unsubscribe":
		var p subscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return nil, &connControl{kind: f.Type, topic: p.Topic}, nil

	case "catchup":
		var p catchupPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, err
		}
		return nil, &connControl{kind: "catchup", catchup: p}, nil

	default:
		return nil, nil, fmt.Errorf("gateway: unknown frame type %q", f.Type)
	}
}
