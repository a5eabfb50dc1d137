package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/telemetry"
)

// The hub serializes all room membership and fan-out through a single command
// goroutine: handlers never touch the client map directly. Each connection
// gets a writer goroutine with a bounded queue; clients whose queue backs up
// are disconnected instead of stalling the room.

type hubCmd interface{ hubCmd() }

type cmdJoin struct{ conn *websocket.Conn }

func (cmdJoin) hubCmd() {}

type cmdLeave struct{ conn *websocket.Conn }

func (cmdLeave) hubCmd() {}

type cmdBroadcast struct{ data []byte }

func (cmdBroadcast) hubCmd() {}

type cmdSend struct {
	conn *websocket.Conn
	data []byte
}

func (cmdSend) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

type clientWriter struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *websocket.Conn) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		sendCh: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			_ = cw.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	_ = cw.conn.Close()
}

// Hub is the shared broadcast room for authenticated dashboard clients.
type Hub struct {
	cmdCh   chan hubCmd
	clients map[*websocket.Conn]*clientWriter
}

func NewHub() *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clients: make(map[*websocket.Conn]*clientWriter),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdJoin:
			h.clients[c.conn] = newClientWriter(c.conn)
		case cmdLeave:
			if cw, ok := h.clients[c.conn]; ok {
				cw.stop()
				delete(h.clients, c.conn)
			}
		case cmdBroadcast:
			h.handleBroadcast(c.data)
		case cmdSend:
			if cw, ok := h.clients[c.conn]; ok {
				select {
				case cw.sendCh <- c.data:
				default:
					h.evict(c.conn)
				}
			}
		case cmdStop:
			for conn, cw := range h.clients {
				cw.stop()
				delete(h.clients, conn)
			}
			return
		}
	}
}

func (h *Hub) handleBroadcast(data []byte) {
	var slow []*websocket.Conn
	for conn, cw := range h.clients {
		select {
		case cw.sendCh <- data:
		default:
			slow = append(slow, conn)
		}
	}
	for _, conn := range slow {
		h.evict(conn)
	}
	telemetry.BroadcastsSent.Inc()
}

func (h *Hub) evict(conn *websocket.Conn) {
	slog.Warn("disconnecting slow dashboard client")
	if cw, ok := h.clients[conn]; ok {
		cw.stop()
		delete(h.clients, conn)
	}
}

// Join adds an authenticated connection to the room.
func (h *Hub) Join(conn *websocket.Conn) {
	h.cmdCh <- cmdJoin{conn: conn}
}

// Leave removes a connection and stops its writer.
func (h *Hub) Leave(conn *websocket.Conn) {
	h.cmdCh <- cmdLeave{conn: conn}
}

// Broadcast sends a message to every room member, including the sender of the
// action that triggered it.
func (h *Hub) Broadcast(kind Kind, data any) {
	m, err := NewMessage(kind, data)
	if err != nil {
		slog.Error("broadcast marshal failed", slog.String("kind", string(kind)), slog.Any("err", err))
		return
	}
	raw, _ := json.Marshal(m)
	h.cmdCh <- cmdBroadcast{data: raw}
}

// Send delivers a message to one room member.
func (h *Hub) Send(conn *websocket.Conn, kind Kind, data any) {
	m, err := NewMessage(kind, data)
	if err != nil {
		slog.Error("send marshal failed", slog.String("kind", string(kind)), slog.Any("err", err))
		return
	}
	raw, _ := json.Marshal(m)
	h.cmdCh <- cmdSend{conn: conn, data: raw}
}

// PublishActivity implements the upstream and polling publisher: a newly
// stored activity is broadcast to the room as a live event.
func (h *Hub) PublishActivity(a activity.Activity) {
	h.Broadcast(KindEvent, a)
}

// Stop tears down every writer. Used in shutdown and tests.
func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}
