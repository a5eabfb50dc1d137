package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/telemetry"
)

// EventStore is the slice of the activity store the gateway needs.
type EventStore interface {
	UnreadOrderedByTime(ctx context.Context) ([]activity.Activity, error)
	MarkRead(ctx context.Context, upstreamID string) error
}

// ConnManager drives the upstream connection lifecycle from client demand.
type ConnManager interface {
	EnsureConnected(ctx context.Context, p activity.Provider) error
	DisconnectAll()
}

// Gateway upgrades dashboard connections and runs the per-connection protocol:
// unauthenticated -> authenticated -> disconnected.
type Gateway struct {
	Secret   []byte
	Store    EventStore
	Manager  ConnManager
	Registry *Registry
	Hub      *Hub

	// AuthTimeout bounds how long an unauthenticated connection may linger.
	AuthTimeout time.Duration

	upgrader websocket.Upgrader
}

// New wires a gateway with defaults applied.
func New(secret []byte, store EventStore, manager ConnManager) *Gateway {
	return &Gateway{
		Secret:      secret,
		Store:       store,
		Manager:     manager,
		Registry:    NewRegistry(),
		Hub:         NewHub(),
		AuthTimeout: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origins are enforced by the deployment proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the websocket upgrade endpoint for dashboard clients.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	g.serve(conn)
}

// serve runs one connection from upgrade to disconnect.
func (g *Gateway) serve(conn *websocket.Conn) {
	session, ok := g.authenticate(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	g.afterAuth(conn, session)

	// Relay loop. Any read error ends the connection.
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		g.relay(conn, msg)
	}

	g.teardown(conn, session)
}

// authenticate waits for a single authenticate message and verifies it.
// Returns ok=false after emitting unauthorized for any failure.
func (g *Gateway) authenticate(conn *websocket.Conn) (ClientSession, bool) {
	reject := func(reason string) {
		telemetry.AuthRejected.Inc()
		m, _ := NewMessage(KindUnauthorized, unauthorizedData{Message: reason})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteJSON(m)
	}

	timeout := g.AuthTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		reject("authentication timed out")
		return ClientSession{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Event != KindAuthenticate {
		reject("expected authenticate")
		return ClientSession{}, false
	}
	var req authRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Method != "jwt" {
		reject("unsupported authentication method")
		return ClientSession{}, false
	}
	claims, err := DecodeToken(g.Secret, req.Token)
	if err != nil {
		slog.Debug("dashboard token rejected", slog.Any("err", err))
		reject("invalid token")
		return ClientSession{}, false
	}

	session := ClientSession{
		SessionID:   uuid.New().String(),
		UserID:      claims.ID,
		DisplayName: claims.Username,
	}
	if err := g.Registry.Register(session); err != nil {
		slog.Info("duplicate dashboard session rejected", slog.String("user", session.UserID))
		reject("already connected")
		return ClientSession{}, false
	}
	return session, true
}

// afterAuth completes the join: ack, upstream demand, synchronous backlog,
// then room membership. The backlog is written directly on the connection
// before Join so no live broadcast can outrun it.
func (g *Gateway) afterAuth(conn *websocket.Conn, session ClientSession) {
	ack, _ := NewMessage(KindAuthenticated, nil)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(ack)

	// Demand-driven upstream startup; failures are logged, not surfaced to
	// the client, which only observes the absence of live events.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		for _, p := range activity.Providers {
			if err := g.Manager.EnsureConnected(ctx, p); err != nil {
				slog.Warn("upstream connect on client demand failed",
					slog.String("provider", string(p)), slog.Any("err", err))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	backlog, err := g.Store.UnreadOrderedByTime(ctx)
	cancel()
	if err != nil {
		slog.Error("initial backlog fetch failed", slog.String("session", session.SessionID), slog.Any("err", err))
		backlog = []activity.Activity{}
	}
	initial, _ := NewMessage(KindEventInitial, backlog)
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteJSON(initial)
	_ = conn.SetWriteDeadline(time.Time{})

	g.Hub.Join(conn)
	g.Hub.Broadcast(KindActiveSockets, g.Registry.Snapshot())
	telemetry.SetConnectedSessions(g.Registry.Len())
	slog.Info("dashboard client authenticated",
		slog.String("session", session.SessionID), slog.String("user", session.UserID))
}

// relay handles one message from an authenticated client.
func (g *Gateway) relay(conn *websocket.Conn, msg Message) {
	switch msg.Event {
	case KindEventRead:
		var req readRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := g.Store.MarkRead(ctx, req.ID)
		cancel()
		if err != nil {
			slog.Error("mark read failed", slog.String("id", req.ID), slog.Any("err", err))
			return
		}
		g.Hub.Broadcast(KindEventRead, readRequest{ID: req.ID})
	case KindEventTest:
		g.Hub.Send(conn, KindEventTest, msg.Data)
	case KindEventTestRoom:
		g.Hub.Broadcast(KindEventTestRoom, msg.Data)
	default:
		slog.Debug("ignoring dashboard message", slog.String("event", string(msg.Event)))
	}
}

// teardown removes the session and reclaims upstream resources when the room
// empties.
func (g *Gateway) teardown(conn *websocket.Conn, session ClientSession) {
	g.Hub.Leave(conn)
	g.Registry.Unregister(session.SessionID)
	g.Hub.Broadcast(KindActiveSockets, g.Registry.Snapshot())
	telemetry.SetConnectedSessions(g.Registry.Len())
	if g.Registry.Len() == 0 {
		slog.Info("last dashboard client left; tearing down upstream connections")
		g.Manager.DisconnectAll()
	}
	_ = conn.Close()
	slog.Info("dashboard client disconnected", slog.String("session", session.SessionID))
}
