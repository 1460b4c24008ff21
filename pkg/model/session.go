package model

type SessionID string

// SessionStatus is the lifecycle state of one streaming connection.
type SessionStatus string

const (
	SessionOpening SessionStatus = "opening"
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)
