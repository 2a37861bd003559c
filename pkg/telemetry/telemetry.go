// Package telemetry fans pipeline admission signals out to websocket
// subscribers (L9, spec.md §4.7): a bounded broadcast channel feeding a
// /telemetry websocket endpoint, lossy under backpressure so one slow
// subscriber can never stall the admission pipeline.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"github.com/Vanaras-AI/AEON/pkg/pipeline"
)

// BroadcastCapacity bounds the bus's internal fan-out buffer (spec.md §5).
const BroadcastCapacity = 100

const wsWriteTimeout = 10 * time.Second

// Bus receives pipeline.Signal values on Emit and fans them out to every
// currently-subscribed websocket connection. A subscriber whose own queue
// is full is dropped from that broadcast rather than blocking the sender.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan pipeline.Signal]struct{}
	secret      string
}

// NewBus constructs a Bus. secret, when non-empty, is required to complete
// a websocket upgrade (spec.md §6); an empty secret admits all upgrades,
// logged once at startup by the caller.
func NewBus(secret string) *Bus {
	return &Bus{
		subscribers: make(map[chan pipeline.Signal]struct{}),
		secret:      secret,
	}
}

// Emit implements pipeline.Emitter.
func (b *Bus) Emit(s Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- s:
		default:
			slog.Warn("telemetry subscriber backpressure, dropping signal")
		}
	}
}

// Signal is an alias so callers constructing telemetry events don't need
// to import pkg/pipeline directly for the type name.
type Signal = pipeline.Signal

func (b *Bus) subscribe() chan pipeline.Signal {
	ch := make(chan pipeline.Signal, BroadcastCapacity)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) unsubscribe(ch chan pipeline.Signal) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Router builds the chi router serving /telemetry and any command ingress
// the host orchestrator uses to deliver HALT/SIGNAL control messages.
// /control remains as an additional ingress path for non-websocket
// callers; the websocket connection itself also accepts inbound HALT/SIGNAL
// frames per spec.md §4.7/§6.
func (b *Bus) Router(commands chan<- ControlCommand) http.Handler {
	r := chi.NewRouter()
	r.Get("/telemetry", b.handleWebsocket(commands))
	r.Post("/control", controlHandler(commands))
	return r
}

// ControlCommand is a HALT/SIGNAL directive the host orchestrator (L10)
// consumes (spec.md §4.8).
type ControlCommand struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func controlHandler(commands chan<- ControlCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cmd ControlCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, "invalid control command", http.StatusBadRequest)
			return
		}
		select {
		case commands <- cmd:
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "control channel full", http.StatusServiceUnavailable)
		}
	}
}

// inboundMessage is a control frame a connected websocket client may send
// (spec.md §4.7): {"type":"HALT"} or {"type":"SIGNAL","payload":<any>}.
type inboundMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func (b *Bus) handleWebsocket(commands chan<- ControlCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "telemetry closed")

		ch := b.subscribe()
		defer b.unsubscribe(ch)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go b.readInbound(ctx, conn, commands, cancel)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSignal(ctx, conn, sig); err != nil {
					cancel()
					return
				}
			}
		}
	}
}

// readInbound decodes HALT/SIGNAL control frames from a subscriber and
// forwards them to the host orchestrator's command channel (spec.md §4.8).
// It runs until the connection errs or closes, cancelling cancel so the
// paired write loop tears down with it.
func (b *Bus) readInbound(ctx context.Context, conn *websocket.Conn, commands chan<- ControlCommand, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("telemetry: dropping malformed inbound message", "error", err)
			continue
		}

		cmd, ok := toControlCommand(msg)
		if !ok {
			slog.Warn("telemetry: dropping unknown inbound message type", "type", msg.Type)
			continue
		}

		select {
		case commands <- cmd:
		default:
			slog.Warn("telemetry: control channel full, dropping inbound command", "kind", cmd.Kind)
		}
	}
}

func toControlCommand(msg inboundMessage) (ControlCommand, bool) {
	switch msg.Type {
	case "HALT":
		return ControlCommand{Kind: "HALT", Reason: "client HALT over telemetry websocket"}, true
	case "SIGNAL":
		reason := ""
		if msg.Payload != nil {
			if b, err := json.Marshal(msg.Payload); err == nil {
				reason = string(b)
			}
		}
		return ControlCommand{Kind: "SIGNAL", Reason: reason}, true
	default:
		return ControlCommand{}, false
	}
}

func writeSignal(ctx context.Context, conn *websocket.Conn, sig pipeline.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// authorized accepts either a "?token=<secret>" query parameter matching
// the configured secret verbatim, or an "Authorization: Bearer <jwt>"
// header carrying an HS256 token signed with that same secret
// (SPEC_FULL.md §6). An empty configured secret admits everything.
func (b *Bus) authorized(r *http.Request) bool {
	if b.secret == "" {
		return true
	}

	if token := r.URL.Query().Get("token"); token == b.secret {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(b.secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}
