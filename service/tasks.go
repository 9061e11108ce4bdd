package service

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
)

// NewTask is the input of TaskService.Create.
type NewTask struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	AssigneeID  *int64          `json:"assigneeId,omitempty"`
	CategoryID  *int64          `json:"categoryId,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
}

// TaskService runs the task lifecycle. Operations on one task are serialized,
// persisted, announced to the task's group and then turned into
// notifications. Failures are returned once and never retried.
type TaskService struct {
	store  TaskStore
	bc     gateway.Broadcaster
	notes  *NotificationService
	logger *log.Logger
	now    func() time.Time
	locks  *keyedMutex
}

func NewTaskService(store TaskStore, bc gateway.Broadcaster, notes *NotificationService, logger *log.Logger) *TaskService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{store: store, bc: bc, notes: notes, logger: logger, now: time.Now, locks: newKeyedMutex()}
}

func (s *TaskService) user(ctx context.Context, id int64) (*domain.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create stores a new Open task owned by actorID.
func (s *TaskService) Create(ctx context.Context, actorID int64, in NewTask) (domain.Task, error) {
	const op = "create task"
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, domain.Validationf(op, "title must not be empty")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.Valid() {
		return domain.Task{}, domain.Validationf(op, "unknown priority %q", in.Priority)
	}
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	now := s.now().UTC()
	t := domain.Task{
		Title:       title,
		Description: in.Description,
		Status:      domain.StatusOpen,
		Priority:    in.Priority,
		CreatorID:   actor.ID,
		CategoryID:  in.CategoryID,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.AssigneeID != nil {
		assignee, err := s.user(ctx, *in.AssigneeID)
		if err != nil {
			return domain.Task{}, err
		}
		if !assignee.IsActive {
			return domain.Task{}, domain.Inactive(op, assignee.ID)
		}
		id := assignee.ID
		t.AssigneeID = &id
	}
	stored, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	s.logger.WithFields(log.Fields{"operation": op, "task": stored.ID, "actor": actorID}).Info("task created")
	s.notes.TaskAssigned(ctx, stored, actor)
	return stored, nil
}

func (s *TaskService) Get(ctx context.Context, id int64) (domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *TaskService) List(ctx context.Context, userID int64) ([]domain.Task, error) {
	return s.store.ListTasksForUser(ctx, userID)
}

type mutation func(t *domain.Task, now time.Time) (domain.Transition, bool, error)

// mutate loads, changes and persists one task under its lock. The returned
// transition reports what changed; nothing is written or announced when the
// mutation was a no-op.
func (s *TaskService) mutate(ctx context.Context, op string, taskID int64, fn mutation) (domain.Task, domain.Transition, error) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Transition{}, err
	}
	tr, write, err := fn(&t, s.now().UTC())
	if err != nil {
		return domain.Task{}, domain.Transition{}, err
	}
	if !write {
		return t, tr, nil
	}
	if err := s.store.UpdateTask(ctx, &t); err != nil {
		return domain.Task{}, domain.Transition{}, err
	}
	s.logger.WithFields(log.Fields{"operation": op, "task": t.ID, "from": tr.From, "to": tr.To}).Info("task updated")
	publish(ctx, s.logger, s.bc, domain.TaskGroup(t.ID), domain.TaskEvent(t))
	return t, tr, nil
}

func transition(fn func(t *domain.Task, now time.Time) (domain.Transition, error)) mutation {
	return func(t *domain.Task, now time.Time) (domain.Transition, bool, error) {
		tr, err := fn(t, now)
		return tr, err == nil && tr.Changed(), err
	}
}

// Assign makes userID the assignee.
func (s *TaskService) Assign(ctx context.Context, taskID, userID, actorID int64) (domain.Task, error) {
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	assignee, err := s.user(ctx, userID)
	if err != nil {
		return domain.Task{}, err
	}
	t, tr, err := s.mutate(ctx, "assign", taskID, transition(func(t *domain.Task, now time.Time) (domain.Transition, error) {
		return domain.Assign(t, assignee, now)
	}))
	if err != nil {
		return domain.Task{}, err
	}
	if tr.AssigneeChanged {
		s.notes.TaskAssigned(ctx, t, actor)
	}
	return t, nil
}

// Accept moves the caller's assigned task to InProgress.
func (s *TaskService) Accept(ctx context.Context, taskID, actorID int64) (domain.Task, error) {
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, tr, err := s.mutate(ctx, "accept", taskID, transition(func(t *domain.Task, now time.Time) (domain.Transition, error) {
		return domain.Accept(t, actor, now)
	}))
	if err != nil {
		return domain.Task{}, err
	}
	if tr.StatusChanged() {
		s.notes.StatusChanged(ctx, t, tr.From, actor)
	}
	return t, nil
}

// Forward hands the task over to newUserID.
func (s *TaskService) Forward(ctx context.Context, taskID, newUserID, actorID int64) (domain.Task, error) {
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	newUser, err := s.user(ctx, newUserID)
	if err != nil {
		return domain.Task{}, err
	}
	t, tr, err := s.mutate(ctx, "forward", taskID, transition(func(t *domain.Task, now time.Time) (domain.Transition, error) {
		return domain.Forward(t, newUser, actor, now)
	}))
	if err != nil {
		return domain.Task{}, err
	}
	if tr.AssigneeChanged {
		s.notes.TaskForwarded(ctx, t, actor)
	}
	return t, nil
}

// Complete marks the task Completed. Completing twice notifies once.
func (s *TaskService) Complete(ctx context.Context, taskID, actorID int64) (domain.Task, error) {
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, tr, err := s.mutate(ctx, "complete", taskID, transition(func(t *domain.Task, now time.Time) (domain.Transition, error) {
		return domain.Complete(t, actor, now)
	}))
	if err != nil {
		return domain.Task{}, err
	}
	if tr.StatusChanged() {
		s.notes.TaskCompleted(ctx, t, actor)
	}
	return t, nil
}

// Update applies a free-form patch. Only the creator, the assignee or an
// admin may edit a task.
func (s *TaskService) Update(ctx context.Context, taskID, actorID int64, patch domain.TaskPatch) (domain.Task, error) {
	const op = "update task"
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	var assignee *domain.User
	if patch.AssigneeID != nil {
		if assignee, err = s.user(ctx, *patch.AssigneeID); err != nil {
			return domain.Task{}, err
		}
	}
	t, tr, err := s.mutate(ctx, op, taskID, func(t *domain.Task, now time.Time) (domain.Transition, bool, error) {
		if t.CreatorID != actor.ID && !t.IsAssignee(actor.ID) && !actor.IsAdmin() {
			return domain.Transition{}, false, domain.Unauthorized(op, "only the creator or the assignee can edit a task")
		}
		tr, err := domain.UpdateFields(t, patch, assignee, now)
		return tr, err == nil, err
	})
	if err != nil {
		return domain.Task{}, err
	}
	if tr.AssigneeChanged {
		s.notes.TaskAssigned(ctx, t, actor)
	}
	if tr.StatusChanged() {
		if tr.To == domain.StatusCompleted {
			s.notes.TaskCompleted(ctx, t, actor)
		} else {
			s.notes.StatusChanged(ctx, t, tr.From, actor)
		}
	}
	return t, nil
}

// Rate stores the creator's rating of a completed task.
func (s *TaskService) Rate(ctx context.Context, taskID, actorID int64, rating int) (domain.Task, error) {
	actor, err := s.user(ctx, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, _, err := s.mutate(ctx, "rate", taskID, func(t *domain.Task, now time.Time) (domain.Transition, bool, error) {
		if err := domain.Rate(t, actor, rating); err != nil {
			return domain.Transition{}, false, err
		}
		t.UpdatedAt = now
		return domain.Transition{From: t.Status, To: t.Status}, true, nil
	})
	return t, err
}

// ToggleFavorite flips the favorite flag of the task for userID and returns
// the new state.
func (s *TaskService) ToggleFavorite(ctx context.Context, userID, taskID int64) (bool, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	fav, err := s.store.IsFavorite(ctx, userID, taskID)
	if err != nil {
		return false, err
	}
	if err := s.store.SetFavorite(ctx, userID, taskID, !fav); err != nil {
		return false, err
	}
	return !fav, nil
}

// ChatSummaries lists the user's conversations.
func (s *TaskService) ChatSummaries(ctx context.Context, userID int64) ([]domain.ChatSummary, error) {
	return s.store.ChatSummaries(ctx, userID)
}
