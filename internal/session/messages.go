package session

import (
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/presence"
)

// Message types shared by both directions of the socket. A type field
// discriminates frames; unknown types are rejected per client without
// touching the document.
const (
	TypeOp           = "op"
	TypePresence     = "presence"
	TypeAck          = "ack"
	TypeSync         = "sync"
	TypeWelcome      = "welcome"
	TypeParticipants = "participants"
	TypeResync       = "resync"
	TypeError        = "error"
)

// Message is an inbound frame from a client.
type Message struct {
	Type     string           `json:"type"`
	Op       *crdt.Op         `json:"op,omitempty"`
	Presence *presence.Update `json:"presence,omitempty"`
	Frontier crdt.Frontier    `json:"frontier,omitempty"`
}

// Outbound is a frame sent to clients.
type Outbound struct {
	Type         string                 `json:"type"`
	DocumentID   string                 `json:"documentId"`
	Op           *crdt.Op               `json:"op,omitempty"`
	Ops          []crdt.Op              `json:"ops,omitempty"`
	Presence     *presence.Update       `json:"presence,omitempty"`
	Welcome      *Welcome               `json:"welcome,omitempty"`
	Participants []presence.Participant `json:"participants,omitempty"`
	Frontier     crdt.Frontier          `json:"frontier,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Welcome is the join handshake payload: the full element state
// including tombstones, because materialized text alone cannot anchor
// concurrent edits that reference deleted positions.
type Welcome struct {
	DocumentID   string                 `json:"documentId"`
	Content      string                 `json:"content"`
	Elements     []crdt.Element         `json:"elements"`
	Frontier     crdt.Frontier          `json:"frontier"`
	Participants []presence.Participant `json:"participants"`
}

// Client is one connected editor. Send is drained by the transport's
// write loop; when it backs up the session drops the client rather than
// blocking the document.
type Client struct {
	ID          string
	Site        string
	Participant string
	Send        chan Outbound
}
