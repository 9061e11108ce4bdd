package domain

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Event names pushed to clients.
const (
	EventConnected       = "connected"
	EventNewComment      = "NewComment"
	EventCommentUpdated  = "CommentUpdated"
	EventCommentDeleted  = "CommentDeleted"
	EventNewNotification = "NewNotification"
	EventTaskUpdated     = "TaskUpdated"
)

// Event is a typed payload delivered to a broadcast group.
type Event interface {
	EventName() string
}

// Connected is the first frame of every stream.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// NewCommentEvent announces a new comment to a task group.
type NewCommentEvent struct {
	CommentID       int64       `json:"commentId"`
	TaskID          int64       `json:"taskId"`
	Content         string      `json:"content"`
	Type            CommentType `json:"type"`
	CreatedAt       time.Time   `json:"createdAt"`
	Author          Author      `json:"author"`
	ParentCommentID *int64      `json:"parentCommentId,omitempty"`
}

// CommentUpdatedEvent announces an edited comment.
type CommentUpdatedEvent struct {
	CommentID int64     `json:"commentId"`
	TaskID    int64     `json:"taskId"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsEdited  bool      `json:"isEdited"`
}

// CommentDeletedEvent announces a removed comment. Replies removed with it
// are not announced separately.
type CommentDeletedEvent struct {
	CommentID int64 `json:"commentId"`
	TaskID    int64 `json:"taskId"`
}

// NewNotificationEvent is pushed to the recipient's user group.
type NewNotificationEvent struct {
	ID        int64            `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	TaskID    *int64           `json:"taskId,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	IsRead    bool             `json:"isRead"`
}

// TaskUpdatedEvent tells task group members that the task itself changed.
type TaskUpdatedEvent struct {
	TaskID     int64      `json:"taskId"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	AssigneeID *int64     `json:"assigneeId,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Connected) EventName() string            { return EventConnected }
func (NewCommentEvent) EventName() string      { return EventNewComment }
func (CommentUpdatedEvent) EventName() string  { return EventCommentUpdated }
func (CommentDeletedEvent) EventName() string  { return EventCommentDeleted }
func (NewNotificationEvent) EventName() string { return EventNewNotification }
func (TaskUpdatedEvent) EventName() string     { return EventTaskUpdated }

// CommentEvent builds the NewComment payload for c.
func CommentEvent(c Comment) NewCommentEvent {
	return NewCommentEvent{
		CommentID:       c.ID,
		TaskID:          c.TaskID,
		Content:         c.Body,
		Type:            c.Type,
		CreatedAt:       c.CreatedAt,
		Author:          c.Author,
		ParentCommentID: c.ParentCommentID,
	}
}

// NotificationEvent builds the NewNotification payload for n.
func NotificationEvent(n Notification) NewNotificationEvent {
	return NewNotificationEvent{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		TaskID:    n.TaskID,
		CreatedAt: n.CreatedAt,
		IsRead:    n.IsRead,
	}
}

// TaskEvent builds the TaskUpdated payload for t.
func TaskEvent(t Task) TaskUpdatedEvent {
	return TaskUpdatedEvent{
		TaskID:     t.ID,
		Title:      t.Title,
		Status:     t.Status,
		AssigneeID: t.AssigneeID,
		UpdatedAt:  t.UpdatedAt,
	}
}

// Encode serializes ev's payload.
func Encode(ev Event) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Decode parses a payload received under name into its typed event.
func Decode(name string, data []byte) (Event, error) {
	var ev Event
	switch name {
	case EventConnected:
		var e Connected
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	case EventNewComment:
		var e NewCommentEvent
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	case EventCommentUpdated:
		var e CommentUpdatedEvent
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	case EventCommentDeleted:
		var e CommentDeletedEvent
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	case EventNewNotification:
		var e NewNotificationEvent
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	case EventTaskUpdated:
		var e TaskUpdatedEvent
		if err := sonic.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev = e
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	return ev, nil
}
