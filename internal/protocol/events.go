// Package protocol defines the JSON frames exchanged with websocket clients
// and carried between instances on the fanout bus.
package protocol

import (
	"time"

	"chatcore/internal/domain"
)

// Client -> server event types.
const (
	TypeJoinRoom         = "joinRoom"
	TypeLeaveRoom        = "leaveRoom"
	TypeChatMessage      = "chatMessage"
	TypeMessageRead      = "messageRead"
	TypeMessageDelivered = "messageDelivered"
	TypeTyping           = "typing"
	TypeStopTyping       = "stopTyping"
)

// Server -> client event types. messageRead, typing and stopTyping are
// echoed to room peers under the same names.
const (
	TypeBulkMessages = "bulkMessages"
	TypeNewMessage   = "newMessage"
	TypeAck          = "ack"
	TypeUserJoined   = "userJoined"
	TypeUserLeft     = "userLeft"
	TypeError        = "error"
)

// legacy event names used by the first web client.
var aliases = map[string]string{
	"joinConversation": TypeJoinRoom,
	"sendMessage":      TypeChatMessage,
	"message":          TypeChatMessage,
	"mark_read":        TypeMessageRead,
}

// Inbound is a client frame. Fields not used by Type are ignored.
type Inbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ClientRef      string `json:"clientRef,omitempty"`
}

// Normalize maps legacy event names onto the current ones.
func (in Inbound) Normalize() Inbound {
	if t, ok := aliases[in.Type]; ok {
		in.Type = t
	}
	return in
}

// Droppable reports whether the event may be discarded under load.
func (in Inbound) Droppable() bool {
	return in.Type == TypeTyping || in.Type == TypeStopTyping
}

// MessageView is the client-facing form of a message (plaintext).
type MessageView struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversationId"`
	Seq            int64                 `json:"seq"`
	Sender         string                `json:"sender"`
	Text           string                `json:"text"`
	Status         domain.DeliveryStatus `json:"status"`
	Time           time.Time             `json:"time"`
}

// Frame is a server frame.
type Frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Message        *MessageView   `json:"message,omitempty"`
	Messages       *[]MessageView `json:"messages,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Seq            int64          `json:"seq,omitempty"`
	Status         string         `json:"status,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	Text           string         `json:"text,omitempty"`
	Time           *time.Time     `json:"time,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Room           string         `json:"room,omitempty"`
	ClientRef      string         `json:"clientRef,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Outbound is a frame queued on a connection together with callbacks the
// connection's writer runs once the frame has been written to the socket or
// abandoned. Callbacks may be nil.
type Outbound struct {
	Frame     Frame
	OnWritten func()
	OnDropped func()
}

// NewMessageFrame carries the message both nested and flattened onto the
// frame, so clients reading either {message:{...}} or {sender, text} work.
func NewMessageFrame(m MessageView) Frame {
	t := m.Time
	return Frame{
		Type:           TypeNewMessage,
		ConversationID: m.ConversationID,
		Message:        &m,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Status:         m.Status.String(),
		Sender:         m.Sender,
		Text:           m.Text,
		Time:           &t,
	}
}

// BulkFrame always carries a messages array, empty when there is nothing to replay.
func BulkFrame(conversationID string, msgs []MessageView) Frame {
	if msgs == nil {
		msgs = []MessageView{}
	}
	return Frame{Type: TypeBulkMessages, ConversationID: conversationID, Messages: &msgs}
}

func AckFrame(clientRef string, m MessageView) Frame {
	return Frame{
		Type:           TypeAck,
		ConversationID: m.ConversationID,
		ClientRef:      clientRef,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Status:         domain.StatusSent.String(),
	}
}

func ErrorFrame(kind, msg, clientRef string) Frame {
	return Frame{Type: TypeError, Kind: kind, Error: msg, ClientRef: clientRef}
}

func PresenceFrame(eventType, userID, room string) Frame {
	return Frame{Type: eventType, UserID: userID, Room: room, ConversationID: room}
}
