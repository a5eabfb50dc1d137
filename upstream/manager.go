// Package upstream owns the long-lived realtime connections to the external
// activity source, one per provider. Connections are created on demand when
// the first dashboard client authenticates and torn down when the last one
// leaves; a dropped connection is not retried until the next demand.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/creds"
	"github.com/onnwee/activity-relay/seapi"
	"github.com/onnwee/activity-relay/telemetry"
)

// DefaultSocketURL is the production realtime endpoint of the activity source.
const DefaultSocketURL = "wss://realtime.streamelements.com/socket"

// ErrCredentialsMissing aborts a connection attempt before any dial happens.
var ErrCredentialsMissing = errors.New("upstream: credentials not configured")

// State of one provider's connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateLive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Store is the slice of the activity store the manager needs.
type Store interface {
	Persist(ctx context.Context, c activity.Candidate) (activity.Activity, bool, error)
}

// Publisher receives newly stored activities for dashboard fan-out.
type Publisher interface {
	PublishActivity(a activity.Activity)
}

// Dialer opens a websocket connection; swapped for a fake in tests.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Manager holds at most one connection handle per provider. The handle is
// stored while the connection is still in flight, so concurrent EnsureConnected
// calls await the same attempt instead of opening duplicate sockets.
type Manager struct {
	Creds      creds.Source
	Store      Store
	Publisher  Publisher
	SocketURL  string
	Suppressed map[string]bool
	Dial       Dialer

	mu    sync.Mutex
	conns map[activity.Provider]*handle
}

// NewManager wires a manager with defaults applied.
func NewManager(cs creds.Source, store Store, pub Publisher, suppressed map[string]bool) *Manager {
	return &Manager{
		Creds:      cs,
		Store:      store,
		Publisher:  pub,
		SocketURL:  DefaultSocketURL,
		Suppressed: suppressed,
		Dial:       defaultDialer,
		conns:      make(map[activity.Provider]*handle),
	}
}

type handle struct {
	provider activity.Provider
	state    State
	conn     *websocket.Conn
	ready    chan struct{} // closed once authenticated or failed
	err      error
	stateMu  sync.Mutex
	torn     bool // teardown requested while attempt was in flight
}

func (h *handle) setConn(c *websocket.Conn) {
	h.stateMu.Lock()
	h.conn = c
	h.stateMu.Unlock()
}

func (h *handle) getConn() *websocket.Conn {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.conn
}

// teardownConn marks the handle torn and hands back whatever connection it
// holds, atomically, so a teardown racing an in-flight connect settles one way.
func (h *handle) teardownConn() *websocket.Conn {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.torn = true
	return h.conn
}

func (h *handle) isTorn() bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.torn
}

func (h *handle) setState(s State) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
	telemetry.SetUpstreamLive(string(h.provider), s == StateLive)
}

func (h *handle) getState() State {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

func (h *handle) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ready:
		return h.err
	}
}

// EnsureConnected returns once the provider's connection is live (or the
// shared in-flight attempt settles). A failed attempt leaves the provider
// idle; the next call starts over.
func (m *Manager) EnsureConnected(ctx context.Context, p activity.Provider) error {
	m.mu.Lock()
	if h, ok := m.conns[p]; ok {
		m.mu.Unlock()
		return h.wait(ctx)
	}
	h := &handle{provider: p, state: StateConnecting, ready: make(chan struct{})}
	m.conns[p] = h
	m.mu.Unlock()

	go m.connect(h)
	return h.wait(ctx)
}

// connect runs the Connecting -> Authenticating -> Live sequence and then the
// read loop. Any failure settles the handle with an error and clears it so the
// next EnsureConnected reconnects from scratch.
func (m *Manager) connect(h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fail := func(err error) {
		h.err = err
		h.setState(StateIdle)
		if c := h.getConn(); c != nil {
			_ = c.Close()
		}
		m.clear(h)
		close(h.ready)
	}

	if expired, err := m.Creds.TokenExpired(ctx, h.provider); err == nil && expired {
		if err := m.Creds.Refresh(ctx, h.provider); err != nil {
			slog.Warn("upstream token refresh failed", slog.String("provider", string(h.provider)), slog.Any("err", err))
		}
	}
	cred, err := m.Creds.Current(ctx, h.provider)
	if err != nil {
		if errors.Is(err, creds.ErrMissing) {
			fail(fmt.Errorf("%w: %s", ErrCredentialsMissing, h.provider))
		} else {
			fail(fmt.Errorf("load credentials for %s: %w", h.provider, err))
		}
		return
	}

	url := m.SocketURL
	if url == "" {
		url = DefaultSocketURL
	}
	conn, err := m.dial(ctx, url)
	if err != nil {
		fail(fmt.Errorf("dial upstream for %s: %w", h.provider, err))
		return
	}
	h.setConn(conn)
	if h.isTorn() {
		fail(fmt.Errorf("upstream teardown during connect for %s", h.provider))
		return
	}
	h.setState(StateAuthenticating)

	if err := m.authenticate(h, cred.Token); err != nil {
		fail(err)
		return
	}

	h.setState(StateLive)
	telemetry.UpstreamConnects.WithLabelValues(string(h.provider)).Inc()
	slog.Info("upstream connection live", slog.String("provider", string(h.provider)))
	close(h.ready)

	m.readLoop(h)
}

func (m *Manager) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	if m.Dial != nil {
		return m.Dial(ctx, url)
	}
	return defaultDialer(ctx, url)
}

// frame is the wire envelope in both directions on the upstream socket.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m *Manager) authenticate(h *handle, token string) error {
	auth, _ := json.Marshal(map[string]string{"method": "jwt", "token": token})
	_ = h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := h.conn.WriteJSON(frame{Type: "authenticate", Data: auth}); err != nil {
		return fmt.Errorf("send auth for %s: %w", h.provider, err)
	}
	_ = h.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var f frame
	if err := h.conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("await auth ack for %s: %w", h.provider, err)
	}
	_ = h.conn.SetReadDeadline(time.Time{})
	if f.Type != "authenticated" {
		return fmt.Errorf("upstream auth rejected for %s: got %q", h.provider, f.Type)
	}
	return nil
}

// readLoop forwards incoming events until the socket drops. Per-event failures
// are logged and skipped; only transport errors end the loop.
func (m *Manager) readLoop(h *handle) {
	defer func() {
		h.setState(StateIdle)
		telemetry.UpstreamDisconnects.WithLabelValues(string(h.provider)).Inc()
		_ = h.conn.Close()
		m.clear(h)
		slog.Info("upstream connection closed", slog.String("provider", string(h.provider)))
	}()
	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			slog.Debug("upstream read ended", slog.String("provider", string(h.provider)), slog.Any("err", err))
			return
		}
		if f.Type != "event" {
			continue
		}
		var ev seapi.UpstreamActivity
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("upstream event decode failed", slog.String("provider", string(h.provider)), slog.Any("err", err))
			continue
		}
		m.handleEvent(h.provider, ev)
	}
}

// handleEvent tags an upstream event with its provider, persists it, and
// publishes it unless the type is suppressed or the event is a duplicate.
func (m *Manager) handleEvent(p activity.Provider, ev seapi.UpstreamActivity) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, stored, err := m.Store.Persist(ctx, activity.Candidate{
		UpstreamID: ev.ID,
		Type:       ev.Type,
		Provider:   p,
		FeedSource: activity.FeedSourceWebsocket,
		Payload:    ev.Data,
		CreatedAt:  ev.CreatedAt,
	})
	if err != nil {
		slog.Error("upstream event persist failed", slog.String("provider", string(p)), slog.String("id", ev.ID), slog.Any("err", err))
		return
	}
	if !stored {
		telemetry.ActivitiesDuplicate.WithLabelValues(string(activity.FeedSourceWebsocket)).Inc()
		return
	}
	telemetry.ActivitiesIngested.WithLabelValues(string(activity.FeedSourceWebsocket)).Inc()
	if m.Suppressed[a.Type] {
		telemetry.ActivitiesSuppressed.Inc()
		return
	}
	m.Publisher.PublishActivity(a)
}

// clear removes the handle from the shared map if it is still the current one.
func (m *Manager) clear(h *handle) {
	m.mu.Lock()
	if cur, ok := m.conns[h.provider]; ok && cur == h {
		delete(m.conns, h.provider)
	}
	m.mu.Unlock()
}

// Disconnect tears down one provider's connection if present.
func (m *Manager) Disconnect(p activity.Provider) {
	m.mu.Lock()
	h, ok := m.conns[p]
	if ok {
		delete(m.conns, p)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if conn := h.teardownConn(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// DisconnectAll tears down every provider connection. Called when the last
// dashboard client leaves so no upstream socket idles unwatched.
func (m *Manager) DisconnectAll() {
	for _, p := range activity.Providers {
		m.Disconnect(p)
	}
}

// States snapshots each provider's connection state for /status.
func (m *Manager) States() map[activity.Provider]string {
	out := make(map[activity.Provider]string, len(activity.Providers))
	for _, p := range activity.Providers {
		out[p] = StateIdle.String()
	}
	m.mu.Lock()
	for p, h := range m.conns {
		out[p] = h.getState().String()
	}
	m.mu.Unlock()
	return out
}
