// Package protocol defines the JSON wire envelope exchanged between the
// room server and its clients, and the persisted snapshot form.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/livelykit/lively/pkg/crdt"
)

// MessageType tags every frame on the wire.
type MessageType string

const (
	TypePresence       MessageType = "presence"
	TypePresenceUpdate MessageType = "presence:update"
	TypeCursorUpdate   MessageType = "cursor:update"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeStorageInit    MessageType = "storage:init"
	TypeStorageOps     MessageType = "storage:ops"
	TypeStateInit      MessageType = "state:init"
	TypeStateUpdate    MessageType = "state:update"
	TypeEvent          MessageType = "event"
	TypeYjsSync        MessageType = "yjs:sync"
	TypeYjsUpdate      MessageType = "yjs:update"
	TypeServerShutdown MessageType = "server:shutdown"
)

var knownTypes = map[MessageType]bool{
	TypePresence:       true,
	TypePresenceUpdate: true,
	TypeCursorUpdate:   true,
	TypeHeartbeat:      true,
	TypeStorageInit:    true,
	TypeStorageOps:     true,
	TypeStateInit:      true,
	TypeStateUpdate:    true,
	TypeEvent:          true,
	TypeYjsSync:        true,
	TypeYjsUpdate:      true,
	TypeServerShutdown: true,
}

// OnlineStatus is a member's liveness classification.
type OnlineStatus string

const (
	StatusOnline  OnlineStatus = "online"
	StatusAway    OnlineStatus = "away"
	StatusOffline OnlineStatus = "offline"
)

// PresenceUser is one member of a room's roster. Identity is UserID,
// assigned by the server on join.
type PresenceUser struct {
	UserID       string                 `json:"userId"`
	DisplayName  string                 `json:"displayName"`
	Color        string                 `json:"color"`
	ConnectedAt  int64                  `json:"connectedAt"`
	OnlineStatus OnlineStatus           `json:"onlineStatus"`
	LastActiveAt int64                  `json:"lastActiveAt"`
	IsIdle       bool                   `json:"isIdle"`
	AvatarURL    string                 `json:"avatarUrl,omitempty"`
	Location     string                 `json:"location,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Position is a 2D point, used for viewport anchoring.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CursorData is one user's live cursor. Cursors are ephemeral and never
// persisted.
type CursorData struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	Color         string    `json:"color"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	LastUpdate    int64     `json:"lastUpdate"`
	ViewportPos   *Position `json:"viewportPos,omitempty"`
	ViewportScale *float64  `json:"viewportScale,omitempty"`
}

// StateEntry is one key of the ephemeral live-state map. Conflicts resolve
// last-writer-wins by (Timestamp, UserID).
type StateEntry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp int64       `json:"timestamp"`
	UserID    string      `json:"userId"`
}

// Wins reports whether e beats o for the same key.
func (e StateEntry) Wins(o StateEntry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	return e.UserID > o.UserID
}

// Message is the wire envelope. Every frame carries Type; the remaining
// fields are populated per type and omitted otherwise. Yjs payloads ride in
// Payload and are base64 in the JSON text frame.
type Message struct {
	Type MessageType `json:"type"`

	// presence
	Users []PresenceUser `json:"users,omitempty"`

	// presence:update (client patch; UserID stamped by the server on relay)
	UserID       string                 `json:"userId,omitempty"`
	OnlineStatus OnlineStatus           `json:"onlineStatus,omitempty"`
	IsIdle       *bool                  `json:"isIdle,omitempty"`
	Location     string                 `json:"location,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// cursor:update (client sends coordinates, server relays full cursor)
	X             *float64    `json:"x,omitempty"`
	Y             *float64    `json:"y,omitempty"`
	ViewportPos   *Position   `json:"viewportPos,omitempty"`
	ViewportScale *float64    `json:"viewportScale,omitempty"`
	Cursor        *CursorData `json:"cursor,omitempty"`

	// storage:init / storage:ops
	Root      *crdt.SerializedNode `json:"root,omitempty"`
	Ops       []crdt.Op            `json:"ops,omitempty"`
	Actor     string               `json:"actor,omitempty"`
	BaseClock uint64               `json:"baseClock,omitempty"`

	// state:init / state:update
	State []StateEntry `json:"state,omitempty"`
	Entry *StateEntry  `json:"entry,omitempty"`

	// event
	Event map[string]interface{} `json:"event,omitempty"`

	// yjs:sync / yjs:update
	Payload []byte `json:"payload,omitempty"`
}

// Snapshot is the persisted form of a room: the primary tree plus the
// opaque secondary-CRDT bytes.
type Snapshot struct {
	Root      *crdt.SerializedNode `json:"root"`
	Yjs       []byte               `json:"yjs,omitempty"`
	UpdatedAt int64                `json:"updatedAt"`
}

// ProtocolError marks a frame that could not be understood. The socket
// stays open; the frame is dropped and logged.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Decode parses one inbound text frame. Unknown types are rejected so the
// caller can drop the frame while tolerating peers on newer protocol
// revisions.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if !knownTypes[msg.Type] {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	return &msg, nil
}

// Encode renders a frame for the wire.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

var roomIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRoomID maps a room id onto the character set safe for storage
// keys and file names. Unsafe runes become underscores.
func SanitizeRoomID(id string) string {
	return roomIDUnsafe.ReplaceAllString(id, "_")
}
