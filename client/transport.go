package client

import "context"

// Message is one raw frame received from the gateway.
type Message struct {
	Event string
	Data  []byte
}

// Transport opens sessions against the gateway.
type Transport interface {
	Open(ctx context.Context, userID int64) (Session, error)
}

// Session is a single live connection. Events is closed when the session
// ends; Err then reports why.
type Session interface {
	ConnectionID() string
	Events() <-chan Message
	Err() error
	JoinTaskGroup(ctx context.Context, taskID int64) error
	LeaveTaskGroup(ctx context.Context, taskID int64) error
	JoinUserGroup(ctx context.Context, userID int64) error
	LeaveUserGroup(ctx context.Context, userID int64) error
	Close() error
}
