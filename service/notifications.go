package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
)

// Outbox forwards persisted notifications to out-of-band consumers such as
// push or mail workers.
type Outbox interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// NotificationService persists notifications and pushes them to the
// recipient's user group.
type NotificationService struct {
	store  NotificationStore
	bc     gateway.Broadcaster
	outbox Outbox
	logger *log.Logger
	now    func() time.Time
}

func NewNotificationService(store NotificationStore, bc gateway.Broadcaster, outbox Outbox, logger *log.Logger) *NotificationService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NotificationService{store: store, bc: bc, outbox: outbox, logger: logger, now: time.Now}
}

// Notify persists n and then announces it to the recipient.
func (s *NotificationService) Notify(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	const op = "notify"
	if n.RecipientID <= 0 {
		return domain.Notification{}, domain.Validationf(op, "recipient is required")
	}
	if strings.TrimSpace(n.Title) == "" {
		return domain.Notification{}, domain.Validationf(op, "title must not be empty")
	}
	if n.Type == "" {
		n.Type = domain.NotificationGeneral
	}
	n.IsRead = false
	n.ReadAt = nil
	n.CreatedAt = s.now().UTC()
	stored, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return domain.Notification{}, err
	}
	publish(ctx, s.logger, s.bc, domain.UserGroup(stored.RecipientID), domain.NotificationEvent(stored))
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, stored); err != nil {
			s.logger.WithError(err).WithField("notification", stored.ID).Warn("unable to enqueue notification")
		}
	}
	s.logger.WithFields(log.Fields{"notification": stored.ID, "recipient": stored.RecipientID, "type": stored.Type}).Debug("notification sent")
	return stored, nil
}

// recipients returns the task's creator and assignee minus everyone in exclude.
func recipients(t domain.Task, exclude ...int64) []int64 {
	var out []int64
	for _, id := range t.Participants() {
		skip := false
		for _, x := range exclude {
			if id == x {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, id)
		}
	}
	return out
}

func (s *NotificationService) fanOut(ctx context.Context, to []int64, typ domain.NotificationType, t domain.Task, title, message string) []domain.Notification {
	taskID := t.ID
	var sent []domain.Notification
	for _, id := range to {
		n, err := s.Notify(ctx, domain.Notification{RecipientID: id, Type: typ, Title: title, Message: message, TaskID: &taskID})
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"recipient": id, "type": typ, "task": t.ID}).Error("unable to create notification")
			continue
		}
		sent = append(sent, n)
	}
	return sent
}

func actorName(actor *domain.User) string {
	if actor == nil {
		return "Someone"
	}
	return actor.DisplayName()
}

// TaskAssigned tells the new assignee, unless they assigned themselves.
func (s *NotificationService) TaskAssigned(ctx context.Context, t domain.Task, actor *domain.User) []domain.Notification {
	if t.AssigneeID == nil || (actor != nil && *t.AssigneeID == actor.ID) {
		return nil
	}
	return s.fanOut(ctx, []int64{*t.AssigneeID}, domain.NotificationTaskAssigned, t,
		"Task assigned", fmt.Sprintf("%s assigned you %q", actorName(actor), t.Title))
}

// TaskForwarded tells the new assignee only.
func (s *NotificationService) TaskForwarded(ctx context.Context, t domain.Task, actor *domain.User) []domain.Notification {
	if t.AssigneeID == nil || (actor != nil && *t.AssigneeID == actor.ID) {
		return nil
	}
	return s.fanOut(ctx, []int64{*t.AssigneeID}, domain.NotificationTaskForwarded, t,
		"Task forwarded", fmt.Sprintf("%s forwarded %q to you", actorName(actor), t.Title))
}

// TaskCompleted tells the creator and the assignee, except whoever completed it.
func (s *NotificationService) TaskCompleted(ctx context.Context, t domain.Task, actor *domain.User) []domain.Notification {
	var exclude []int64
	if actor != nil {
		exclude = append(exclude, actor.ID)
	}
	return s.fanOut(ctx, recipients(t, exclude...), domain.NotificationTaskCompleted, t,
		"Task completed", fmt.Sprintf("%s completed %q", actorName(actor), t.Title))
}

// StatusChanged tells the creator and the assignee, except the actor.
func (s *NotificationService) StatusChanged(ctx context.Context, t domain.Task, from domain.TaskStatus, actor *domain.User) []domain.Notification {
	var exclude []int64
	if actor != nil {
		exclude = append(exclude, actor.ID)
	}
	return s.fanOut(ctx, recipients(t, exclude...), domain.NotificationStatusChanged, t,
		"Status changed", fmt.Sprintf("%q moved from %s to %s", t.Title, from, t.Status))
}

// CommentAdded tells the creator and the assignee, except the author.
func (s *NotificationService) CommentAdded(ctx context.Context, t domain.Task, c domain.Comment) []domain.Notification {
	return s.fanOut(ctx, recipients(t, c.AuthorID), domain.NotificationCommentAdded, t,
		"New comment", fmt.Sprintf("%s on %q: %s", c.Author.DisplayName(), t.Title, domain.Preview(c.Body)))
}

// Deadline tells the assignee, or the creator when nobody is assigned.
func (s *NotificationService) Deadline(ctx context.Context, t domain.Task, kind domain.DeadlineKind) []domain.Notification {
	to := t.CreatorID
	if t.AssigneeID != nil {
		to = *t.AssigneeID
	}
	due := ""
	if t.DueDate != nil {
		due = t.DueDate.Format(time.RFC3339)
	}
	if kind == domain.DeadlineOverdue {
		return s.fanOut(ctx, []int64{to}, domain.NotificationOverdue, t, "Task overdue", fmt.Sprintf("%q was due %s", t.Title, due))
	}
	return s.fanOut(ctx, []int64{to}, domain.NotificationDueSoon, t, "Task due soon", fmt.Sprintf("%q is due %s", t.Title, due))
}

func (s *NotificationService) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

func (s *NotificationService) MarkRead(ctx context.Context, id, userID int64) error {
	return s.store.MarkNotificationRead(ctx, id, userID, s.now().UTC())
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID, s.now().UTC())
}
