package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API-level error returned inside a response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic chat API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind discriminates the two conversation shapes.
type ConversationKind string

const (
	// KindDirect is a two-party direct conversation.
	KindDirect ConversationKind = "direct"
	// KindChannel is a team channel conversation.
	KindChannel ConversationKind = "channel"
)

// ConversationRef identifies a conversation by its (kind, participant-key)
// tuple. Direct conversations carry the peer's user id; channels carry the
// team and channel ids.
type ConversationRef struct {
	Kind      ConversationKind `json:"kind"`
	PeerID    string           `json:"peerId,omitempty"`
	TeamID    string           `json:"teamId,omitempty"`
	ChannelID string           `json:"channelId,omitempty"`
}

// Direct returns a reference to the direct conversation with peerID.
func Direct(peerID string) ConversationRef {
	return ConversationRef{Kind: KindDirect, PeerID: peerID}
}

// Channel returns a reference to a team channel conversation.
func Channel(teamID, channelID string) ConversationRef {
	return ConversationRef{Kind: KindChannel, TeamID: teamID, ChannelID: channelID}
}

// Key returns the canonical identity string for the conversation. Two refs
// with equal keys address the same conversation.
func (r ConversationRef) Key() string {
	if r.Kind == KindChannel {
		return "channel:" + r.TeamID + "/" + r.ChannelID
	}
	return "direct:" + r.PeerID
}

// IsZero reports whether the reference is empty.
func (r ConversationRef) IsZero() bool {
	return r.Kind == "" && r.PeerID == "" && r.TeamID == "" && r.ChannelID == ""
}

// apiPath returns the REST path segment addressing this conversation.
func (r ConversationRef) apiPath() string {
	if r.Kind == KindChannel {
		return "teams/" + r.TeamID + "/channels/" + r.ChannelID
	}
	return "direct/" + r.PeerID
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery lifecycle state of a message. Transitions are
// monotonic along sending → sent → delivered → seen, with the single terminal
// branch sending → failed.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusFailed    MessageStatus = "failed"
)

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Reaction is one aggregated (emoji, count) entry on a message. Entries keep
// first-seen order.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// ReactionDetail is the per-user refinement of a reaction, fetched on demand.
type ReactionDetail struct {
	Emoji    string `json:"emoji"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message is one entry in a conversation timeline. Exactly one Message exists
// per logical message: before server confirmation it carries a negative
// temporary id, which is swapped in place for the server id on confirmation.
type Message struct {
	ID         int64         `json:"id"`
	SenderID   string        `json:"senderId"`
	Content    string        `json:"content,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ReplyToID  int64         `json:"replyToId,omitempty"`
	Edited     bool          `json:"edited,omitempty"`
	Status     MessageStatus `json:"status,omitempty"`
	Reactions  []Reaction    `json:"reactions,omitempty"`

	// ClientKey is the client-generated correlation key echoed back by the
	// server, used to match push echoes against optimistic entries.
	ClientKey string `json:"clientKey,omitempty"`
}

// Pending reports whether the message is an unconfirmed optimistic entry.
func (m *Message) Pending() bool {
	return m.ID < 0
}

// MessageDraft is the client-side input to send a message.
type MessageDraft struct {
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyToID  int64       `json:"replyToId,omitempty"`
	ClientKey  string      `json:"clientKey,omitempty"`
}

// ============================================================================
// Push Events
// ============================================================================

// Push event names carried over the realtime channel.
const (
	EventMessageNew       = "message:new"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageReaction  = "message:reaction"
	EventMessageEdited    = "message:edited"
	EventMessageDeleted   = "message:deleted"
)

// Envelope is the wire format for all push events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of a message:new event.
type MessagePayload struct {
	Conversation ConversationRef `json:"conversation"`
	Message      Message         `json:"message"`
}

// ReceiptPayload is the payload of message:delivered and message:read events.
// UserID is the participant acknowledging delivery or read.
type ReceiptPayload struct {
	Conversation ConversationRef `json:"conversation"`
	UserID       string          `json:"userId"`
	At           time.Time       `json:"at"`
}

// ReactionPayload is the payload of a message:reaction broadcast. Count is the
// authoritative total for (message, emoji) and overwrites any local value.
type ReactionPayload struct {
	Conversation ConversationRef `json:"conversation"`
	MessageID    int64           `json:"messageId"`
	Emoji        string          `json:"emoji"`
	Count        int             `json:"count"`
	UserID       string          `json:"userId,omitempty"`
}

// EditPayload is the payload of a message:edited event.
type EditPayload struct {
	Conversation ConversationRef `json:"conversation"`
	MessageID    int64           `json:"messageId"`
	Content      string          `json:"content"`
	EditedAt     time.Time       `json:"editedAt"`
}

// DeletePayload is the payload of a message:deleted event.
type DeletePayload struct {
	Conversation ConversationRef `json:"conversation"`
	MessageID    int64           `json:"messageId"`
}
