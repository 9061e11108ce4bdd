package service

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
)

// CommentService produces comments and announces them to the task's group.
type CommentService struct {
	store  CommentStore
	bc     gateway.Broadcaster
	notes  *NotificationService
	logger *log.Logger
	now    func() time.Time
}

func NewCommentService(store CommentStore, bc gateway.Broadcaster, notes *NotificationService, logger *log.Logger) *CommentService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &CommentService{store: store, bc: bc, notes: notes, logger: logger, now: time.Now}
}

// NewComment is the input of CommentService.Add.
type NewComment struct {
	Body            string             `json:"body"`
	Type            domain.CommentType `json:"type,omitempty"`
	ParentCommentID *int64             `json:"parentCommentId,omitempty"`
}

// Add posts a comment on the task. A reply must point at a comment of the
// same task.
func (s *CommentService) Add(ctx context.Context, taskID, authorID int64, in NewComment) (domain.Comment, error) {
	const op = "add comment"
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return domain.Comment{}, domain.Validationf(op, "comment must not be empty")
	}
	if in.Type == "" {
		in.Type = domain.CommentText
	}
	if in.Type != domain.CommentText && in.Type != domain.CommentSystem {
		return domain.Comment{}, domain.Validationf(op, "unknown comment type %q", in.Type)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Comment{}, err
	}
	if _, err := s.store.GetUser(ctx, authorID); err != nil {
		return domain.Comment{}, err
	}
	if in.ParentCommentID != nil {
		parent, err := s.store.GetComment(ctx, *in.ParentCommentID, authorID)
		if err != nil {
			return domain.Comment{}, err
		}
		if parent.TaskID != taskID {
			return domain.Comment{}, domain.Validationf(op, "parent comment %d belongs to another task", parent.ID)
		}
	}
	c, err := s.store.CreateComment(ctx, domain.Comment{
		TaskID:          taskID,
		AuthorID:        authorID,
		Body:            body,
		Type:            in.Type,
		ParentCommentID: in.ParentCommentID,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return domain.Comment{}, err
	}
	s.logger.WithFields(log.Fields{"operation": op, "comment": c.ID, "task": taskID}).Debug("comment added")
	publish(ctx, s.logger, s.bc, domain.TaskGroup(taskID), domain.CommentEvent(c))
	s.notes.CommentAdded(ctx, task, c)
	return c, nil
}

// Update edits the body. Only the author may edit a comment.
func (s *CommentService) Update(ctx context.Context, commentID, actorID int64, body string) (domain.Comment, error) {
	const op = "update comment"
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Comment{}, domain.Validationf(op, "comment must not be empty")
	}
	c, err := s.store.GetComment(ctx, commentID, actorID)
	if err != nil {
		return domain.Comment{}, err
	}
	if c.AuthorID != actorID {
		return domain.Comment{}, domain.Unauthorized(op, "only the author can edit a comment")
	}
	if err := s.store.UpdateComment(ctx, commentID, body, s.now().UTC()); err != nil {
		return domain.Comment{}, err
	}
	c, err = s.store.GetComment(ctx, commentID, actorID)
	if err != nil {
		return domain.Comment{}, err
	}
	publish(ctx, s.logger, s.bc, domain.TaskGroup(c.TaskID), domain.CommentUpdatedEvent{
		CommentID: c.ID,
		TaskID:    c.TaskID,
		Content:   c.Body,
		UpdatedAt: c.UpdatedAt,
		IsEdited:  c.IsEdited,
	})
	return c, nil
}

// Delete removes the comment and its direct replies. Only the author or an
// admin may delete. A single CommentDeleted event is published for the
// removed comment; replies are not announced separately.
func (s *CommentService) Delete(ctx context.Context, commentID, actorID int64) error {
	const op = "delete comment"
	c, err := s.store.GetComment(ctx, commentID, actorID)
	if err != nil {
		return err
	}
	actor, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		return err
	}
	if c.AuthorID != actorID && !actor.IsAdmin() {
		return domain.Unauthorized(op, "only the author can delete a comment")
	}
	ids, err := s.store.DeleteCommentWithReplies(ctx, commentID)
	if err != nil {
		return err
	}
	s.logger.WithFields(log.Fields{"operation": op, "comment": commentID, "removed": len(ids)}).Debug("comment deleted")
	publish(ctx, s.logger, s.bc, domain.TaskGroup(c.TaskID), domain.CommentDeletedEvent{CommentID: c.ID, TaskID: c.TaskID})
	return nil
}

// List returns the task's transcript as seen by viewerID.
func (s *CommentService) List(ctx context.Context, taskID, viewerID int64) ([]domain.Comment, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, taskID, viewerID)
}

// MarkRead marks the task's comments read for userID.
func (s *CommentService) MarkRead(ctx context.Context, taskID, userID int64) (int, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return 0, err
	}
	return s.store.MarkCommentsRead(ctx, taskID, userID, s.now().UTC())
}
