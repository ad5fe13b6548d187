// Package models holds the chat records shared by the store, the event bus and the clients.
package models

import "time"

// SenderRole identifies which side of a conversation authored a message.
type SenderRole string

const (
	RoleVisitor SenderRole = "visitor"
	RoleAdmin   SenderRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r SenderRole) Valid() bool {
	return r == RoleVisitor || r == RoleAdmin
}

// Other returns the opposite side of the conversation.
func (r SenderRole) Other() SenderRole {
	if r == RoleAdmin {
		return RoleVisitor
	}
	return RoleAdmin
}

// SessionStatus is the lifecycle state of a chat session. Only active -> closed is allowed.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusClosed SessionStatus = "closed"
)

func (s SessionStatus) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

type Visitor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatSession struct {
	ID                    string        `json:"id"`
	VisitorID             string        `json:"visitor_id"`
	VisitorName           string        `json:"visitor_name"`
	VisitorEmail          string        `json:"visitor_email,omitempty"`
	Status                SessionStatus `json:"status"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	LastMessageAt         *time.Time    `json:"last_message_at,omitempty"`
	UnreadCountForAdmin   int64         `json:"unread_count_for_admin"`
	UnreadCountForVisitor int64         `json:"unread_count_for_visitor"`
}

// IsClosed reports whether the session reached its terminal state.
func (s ChatSession) IsClosed() bool {
	return s.Status == StatusClosed
}

// Supersedes reports whether s is at least as recent as cur. Closed sessions
// never reopen, so an active row cannot replace a closed one.
func (s ChatSession) Supersedes(cur ChatSession) bool {
	if cur.IsClosed() && !s.IsClosed() {
		return false
	}
	return !s.UpdatedAt.Before(cur.UpdatedAt)
}

// UnreadFor returns the unread counter owned by the viewer.
func (s ChatSession) UnreadFor(viewer SenderRole) int64 {
	if viewer == RoleAdmin {
		return s.UnreadCountForAdmin
	}
	return s.UnreadCountForVisitor
}

type ChatMessage struct {
	Seq        int64      `json:"seq"` // store-assigned, monotonic per database
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	SenderRole SenderRole `json:"sender_role"`
	SenderName string     `json:"sender_name"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// IsRead reports whether the recipient has seen the message.
func (m ChatMessage) IsRead() bool {
	return m.ReadAt != nil
}
