// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"time"
)

// Role is the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one stored message. Messages are never edited after
// they are appended.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversation state for one client.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Messages     []Message `json:"messages"`

	// Summary is the digest of turns folded out of Messages.
	Summary string `json:"summary,omitempty"`

	// TurnCount is the memory depth: user messages still in Messages,
	// plus one when Summary is non-empty.
	TurnCount int `json:"turn_count"`

	// TotalTurns counts every user message ever committed. Compression
	// does not reduce it.
	TotalTurns int `json:"total_turns"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, LastActiveAt: now}
}

// Clone returns a deep copy. Message values are immutable, so copying
// the slice is enough.
func (session *Session) Clone() *Session {
	clone := *session
	clone.Messages = slices.Clone(session.Messages)
	return &clone
}

// Append adds a message and updates the turn counters.
func (session *Session) Append(message Message) {
	session.Messages = append(session.Messages, message)
	if message.Role == RoleUser {
		session.TotalTurns++
	}
	session.recount()
}

// Reset drops all history, keeping identity and timestamps.
func (session *Session) Reset() {
	session.Messages = nil
	session.Summary = ""
	session.TurnCount = 0
}

func (session *Session) recount() {
	count := 0
	for _, message := range session.Messages {
		if message.Role == RoleUser {
			count++
		}
	}
	if session.Summary != "" {
		count++
	}
	session.TurnCount = count
}

// expired reports whether the session has been idle longer than
// timeout. A zero timeout never expires.
func (session *Session) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(session.LastActiveAt) > timeout
}
