// Package gateway accepts dashboard websocket clients, authenticates them with
// a bearer JWT, and fans activity events out to the shared room. It is the
// counterpart of the upstream package: upstream produces, gateway distributes.
package gateway

import (
	"encoding/json"
)

// Kind enumerates every message kind on the dashboard channel. The upstream
// side publishes through the typed methods on Hub rather than raw strings.
type Kind string

const (
	// client -> server
	KindAuthenticate  Kind = "authenticate"
	KindEventRead     Kind = "event:read"
	KindEventTest     Kind = "event:test"
	KindEventTestRoom Kind = "event:test_room"

	// server -> client
	KindAuthenticated Kind = "authenticated"
	KindUnauthorized  Kind = "unauthorized"
	KindActiveSockets Kind = "active-sockets"
	KindEventInitial  Kind = "event:initial"
	KindEvent         Kind = "event"
	KindRefresh       Kind = "refresh"
)

// Message is the wire envelope in both directions.
type Message struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message envelope. A nil data yields an
// envelope without a data field.
func NewMessage(kind Kind, data any) (Message, error) {
	m := Message{Event: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		m.Data = raw
	}
	return m, nil
}

// authRequest is the payload of an authenticate message.
type authRequest struct {
	Method string `json:"method"`
	Token  string `json:"token"`
}

// readRequest identifies an activity by its upstream id.
type readRequest struct {
	ID string `json:"_id"`
}

// unauthorizedData carries the rejection reason.
type unauthorizedData struct {
	Message string `json:"message"`
}
