// Package service holds the domain producers: every mutation is persisted
// first and then announced through a gateway.Broadcaster. Broadcast failures
// are logged and never fail the mutation.
package service

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
)

// UserStore resolves accounts.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

// TaskStore persists tasks and per-user task state.
type TaskStore interface {
	UserStore
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	UpdateTask(ctx context.Context, t *domain.Task) error
	ListTasksForUser(ctx context.Context, userID int64) ([]domain.Task, error)
	SetFavorite(ctx context.Context, userID, taskID int64, favorite bool) error
	IsFavorite(ctx context.Context, userID, taskID int64) (bool, error)
	ChatSummaries(ctx context.Context, userID int64) ([]domain.ChatSummary, error)
}

// CommentStore persists comments.
type CommentStore interface {
	UserStore
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	CreateComment(ctx context.Context, c domain.Comment) (domain.Comment, error)
	GetComment(ctx context.Context, id, viewerID int64) (domain.Comment, error)
	ListComments(ctx context.Context, taskID, viewerID int64) ([]domain.Comment, error)
	UpdateComment(ctx context.Context, id int64, body string, now time.Time) error
	DeleteCommentWithReplies(ctx context.Context, id int64) ([]int64, error)
	MarkCommentsRead(ctx context.Context, taskID, userID int64, now time.Time) (int, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	ListNotifications(ctx context.Context, recipientID int64, unreadOnly bool, limit int) ([]domain.Notification, error)
	CountUnread(ctx context.Context, recipientID int64) (int, error)
	MarkNotificationRead(ctx context.Context, id, recipientID int64, now time.Time) error
	MarkAllNotificationsRead(ctx context.Context, recipientID int64, now time.Time) (int, error)
}

// DeadlineStore finds tasks whose deadline notifications are due.
type DeadlineStore interface {
	ListDeadlineCandidates(ctx context.Context, kind domain.DeadlineKind, now time.Time, window time.Duration) ([]domain.Task, error)
	MarkDeadlineNotified(ctx context.Context, taskID int64, kind domain.DeadlineKind) (bool, error)
}

func publish(ctx context.Context, logger *log.Logger, bc gateway.Broadcaster, group string, ev domain.Event) {
	if bc == nil {
		return
	}
	if err := bc.Publish(ctx, group, ev); err != nil {
		logger.WithError(err).WithFields(log.Fields{"group": group, "event": ev.EventName()}).Warn("broadcast failed")
	}
}

// keyedMutex hands out one mutex per task id so concurrent operations on the
// same task run one at a time.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedEntry)}
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
