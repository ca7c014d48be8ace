package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/sessionactor"
)

// catchupReplyTimeout bounds how long a connection waits for the actor to
// answer a SubscriberCatchup request before giving up and sending
// catchup_unavailable.
const catchupReplyTimeout = 5 * time.Second

// outboundQueueCapacity is the buffer between bus-forwarding goroutines and
// the single writer goroutine serializing writes to the websocket.
const outboundQueueCapacity = 256

// connection is one client's websocket session: a read loop translating
// inbound frames into mailbox messages, and a set of bus subscriptions
// forwarded to a single writer goroutine as outbound frames.
type connection struct {
	gw             *Gateway
	sessionID      string
	actor          sessionActor
	conn           *websocket.Conn
	limiter        *rate.Limiter
	logger         *slog.Logger
	initialCatchup *uint64

	out chan frame

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

func newConnection(gw *Gateway, sessionID string, actor sessionActor, conn *websocket.Conn, limiter *rate.Limiter, initialCatchup *uint64) *connection {
	return &connection{
		gw:             gw,
		sessionID:      sessionID,
		actor:          actor,
		conn:           conn,
		limiter:        limiter,
		logger:         gw.logger,
		initialCatchup: initialCatchup,
		out:            make(chan frame, outboundQueueCapacity),
		subs:           make(map[string]*bus.Subscription),
	}
}

// run drives the connection's lifecycle: subscribes to the session's own
// topic, starts the writer, replays catchup if requested, then blocks in
// the read loop until the socket closes.
func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.subscribe("session:" + c.sessionID)
	defer c.unsubscribeAll()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	if c.initialCatchup != nil {
		c.handleCatchup(ctx, *c.initialCatchup)
	}

	c.readLoop(ctx)

	cancel()
	close(c.out)
	wg.Wait()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageBinary {
			c.handleAudioChunk(ctx, data)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError(ctx, "malformed_frame", "invalid JSON frame", true)
			continue
		}

		if !c.limiter.Allow() {
			c.sendFrame(ctx, outboundFrame("backpressure", nil, map[string]any{"level": "warn"}))
			continue
		}

		c.handleFrame(ctx, f)
	}
}

func (c *connection) handleAudioChunk(ctx context.Context, data []byte) {
	err := c.actor.Enqueue(ctx, sessionactor.AudioChunk{Bytes: data, ArrivalTS: time.Now()})
	c.reportEnqueueResult(ctx, err)
}

func (c *connection) handleFrame(ctx context.Context, f frame) {
	msg, ctrl, err := decodeInbound(f)
	if err != nil {
		c.sendError(ctx, "malformed_frame", err.Error(), true)
		return
	}

	if ctrl != nil {
		c.handleControl(ctx, *ctrl)
		return
	}
	if msg == nil {
		return
	}

	err = c.actor.Enqueue(ctx, msg)
	c.reportEnqueueResult(ctx, err)
}

func (c *connection) reportEnqueueResult(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, sessionactor.ErrMailboxFull) {
		c.sendFrame(ctx, outboundFrame("backpressure", nil, map[string]any{"level": "reject"}))
		return
	}
	c.sendError(ctx, "internal", err.Error(), true)
}

func (c *connection) handleControl(ctx context.Context, ctrl connControl) {
	switch ctrl.kind {
	case "subscribe":
		c.subscribe(ctrl.topic)
	case "unsubscribe":
		c.unsubscribe(ctrl.topic)
	case "catchup":
		c.handleCatchup(ctx, ctrl.catchup.LastSeenSequence)
	}
}

func (c *connection) handleCatchup(ctx context.Context, lastSeen uint64) {
	reply := make(chan sessionactor.CatchupResult, 1)
	if err := c.actor.Enqueue(ctx, sessionactor.SubscriberCatchup{LastSeenSequence: lastSeen, Reply: reply}); err != nil {
		c.sendFrame(ctx, outboundFrame("catchup_unavailable", nil, map[string]any{}))
		return
	}

	select {
	case result := <-reply:
		if result.Unavailable {
			c.sendFrame(ctx, outboundFrame("catchup_unavailable", nil, map[string]any{}))
			return
		}
		for _, evt := range result.Events {
			seq := evt.Sequence
			c.sendFrame(ctx, outboundFrame(evt.Kind, &seq, evt.Payload))
		}
	case <-time.After(catchupReplyTimeout):
		c.sendFrame(ctx, outboundFrame("catchup_unavailable", nil, map[string]any{}))
	case <-ctx.Done():
	}
}

// subscribe adds a bus subscription on topic and starts forwarding its
// events into c.out. No-op if already subscribed.
func (c *connection) subscribe(topic string) {
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.gw.bus.Subscribe(topic)
	c.subs[topic] = sub
	c.mu.Unlock()

	go c.forward(sub)
}

func (c *connection) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		c.gw.bus.Unsubscribe(sub)
	}
}

func (c *connection) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*bus.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.gw.bus.Unsubscribe(sub)
	}
}

// forward translates bus events on sub into outbound frames, queueing them
// on c.out for the writer goroutine. A lagged marker becomes a
// resync_required frame per §4.8 instead of being forwarded verbatim.
func (c *connection) forward(sub *bus.Subscription) {
	for evt := range sub.Events() {
		if evt.Kind == "lagged" {
			c.sendFrame(context.Background(), outboundFrame("resync_required", nil, map[string]any{}))
			continue
		}
		c.sendFrame(context.Background(), outboundFrame(evt.Kind, nil, evt.Payload))
	}
}

func (c *connection) sendError(ctx context.Context, kind, message string, transient bool) {
	c.sendFrame(ctx, outboundFrame("error", nil, map[string]any{"kind": kind, "message": message, "transient": transient}))
}

// sendFrame enqueues f for the writer goroutine. It never blocks: a
// connection whose client has stopped reading has its oldest queued frame
// dropped rather than stalling every topic forwarder feeding it.
func (c *connection) sendFrame(_ context.Context, f frame) {
	select {
	case c.out <- f:
	default:
		select {
		case <-c.out:
		default:
		}
		select {
		case c.out <- f:
		default:
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
