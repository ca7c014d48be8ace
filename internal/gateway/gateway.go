// Package gateway implements the ChannelGateway: the boundary between the
// network framing layer (a websocket connection per client) and the
// SessionActor mailbox it is paired with.
//
// Grounded on the teacher's HTTP mux wiring (cmd/glyphoxa/main.go) combined
// with other_examples/tarsy's ConnectionManager (pkg/events/manager.go) for
// the subscribe/catchup/lagged connection lifecycle, adapted from Postgres
// LISTEN/NOTIFY channels to this module's in-process MessageBus topics.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/health"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/registry"
	"github.com/reelnotes/sessioncore/internal/sessionactor"
)

// sessionActor is the slice of *sessionactor.Actor the gateway needs.
// registry.Actor only exposes Stop; a connection also needs to deliver
// mailbox messages, so it type-asserts LookupOrCreate's result against
// this wider interface.
type sessionActor interface {
	Enqueue(ctx context.Context, m sessionactor.Message) error
	Stop(ctx context.Context) error
}

// defaultRateRPS and defaultRateBurst are used when GatewayConfig leaves
// the rate fields at their zero value.
const (
	defaultRateRPS   = 20.0
	defaultRateBurst = 40
)

// Config tunes the gateway's inbound rate limiting.
type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c Config) withDefaults() Config {
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = defaultRateRPS
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = defaultRateBurst
	}
	return c
}

// Gateway serves the websocket upgrade route plus the ambient HTTP surface
// (health, readiness, metrics) for a sessioncore deployment.
type Gateway struct {
	cfg      Config
	sessions *registry.Registry
	bus      *bus.Bus
	notes    notestore.Store
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// New constructs a Gateway bound to sessions for actor lookup/creation and
// b for outbound event subscription.
func New(cfg Config, sessions *registry.Registry, b *bus.Bus, notes notestore.Store, metrics *observe.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg.withDefaults(), sessions: sessions, bus: b, notes: notes, metrics: metrics, logger: logger}
}

// Router builds the chi.Router serving /healthz, /readyz, /metrics, and the
// websocket upgrade endpoint at /ws.
func (g *Gateway) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	h := health.New(health.Checker{
		Name: "notestore",
		Check: func(ctx context.Context) error {
			_, err := g.notes.ListByVideo(ctx, "__healthcheck__", notestore.ListOptions{})
			return err
		},
	})
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(200, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get("/ws", g.serveWS)
	})

	r.Get("/videos/{video_id}/notes", g.listVideoNotes)

	return r
}

// listVideoNotes implements spec §4.5's list_by_video(video_id,
// {since_sequence?, limit}) for REST/UI consumers that page through a
// video's notes outside the websocket catchup path (which replays bus
// events by session, not notes by video).
func (g *Gateway) listVideoNotes(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if videoID == "" {
		http.Error(w, "video_id is required", http.StatusBadRequest)
		return
	}

	var opts notestore.ListOptions
	if raw := r.URL.Query().Get("since_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "since_sequence must be an integer", http.StatusBadRequest)
			return
		}
		opts.SinceSequence = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}

	notes, err := g.notes.ListByVideo(r.Context(), videoID, opts)
	if err != nil {
		g.logger.Error("gateway: list video notes failed", "video_id", videoID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(notes); err != nil {
		g.logger.Error("gateway: encode video notes response failed", "video_id", videoID, "error", err)
	}
}

// serveWS upgrades the HTTP request to a websocket connection and hands it
// to a new connection's lifecycle loop, which blocks until the socket
// closes.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	principal := registry.Principal{
		UserID:   r.URL.Query().Get("user_id"),
		DeviceID: r.URL.Query().Get("device_id"),
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin validation is left to an edge proxy/allowlist in front of
		// this process; the gateway itself accepts any origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Warn("gateway: websocket accept failed", "error", err)
		return
	}

	rawActor, err := g.sessions.LookupOrCreate(r.Context(), sessionID, principal)
	if err != nil {
		g.logger.Error("gateway: session lookup/create failed", "session_id", sessionID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	actor, ok := rawActor.(sessionActor)
	if !ok {
		g.logger.Error("gateway: session actor does not support mailbox delivery", "session_id", sessionID)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	var initialCatchup *uint64
	if raw := r.URL.Query().Get("last_seen_sequence"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			initialCatchup = &n
		}
	}

	c := newConnection(g, sessionID, actor, conn, rate.NewLimiter(rate.Limit(g.cfg.RateLimitRPS), g.cfg.RateLimitBurst), initialCatchup)
	if g.metrics != nil {
		g.metrics.ActiveGatewayConnections.Add(r.Context(), 1)
		defer g.metrics.ActiveGatewayConnections.Add(context.Background(), -1)
	}
	c.run(r.Context())
}
