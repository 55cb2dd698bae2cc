package models

import "time"

// SessionStatus represents the current state of a workshop session
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusFailed    SessionStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition can leave s
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusFailed
}

// HoldsSlot reports whether a session in status s counts against admission caps
func (s SessionStatus) HoldsSlot() bool {
	return s == StatusPending || s == StatusActive
}

// Session represents one user's claim on an ephemeral lab environment
type Session struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"ownerId"`
	LabRef         string        `json:"labRef"`
	InstanceID     string        `json:"instanceId"`
	Status         SessionStatus `json:"status"`
	AccessEndpoint string        `json:"accessEndpoint,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored records
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.EndedAt = cloneTime(s.EndedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	LabRef string `json:"labRef"`
}

// ExtendSessionRequest is the payload for extending an active session
type ExtendSessionRequest struct {
	Minutes int `json:"minutes"`
}

// ErrorBody is the JSON envelope for API errors
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code alongside the message
type ErrorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Session  *Session          `json:"session,omitempty"`
}
