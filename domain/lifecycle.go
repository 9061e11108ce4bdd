package domain

import (
	"strings"
	"time"
)

// Transition describes what a lifecycle operation changed on a task.
type Transition struct {
	From             TaskStatus
	To               TaskStatus
	PreviousAssignee *int64
	AssigneeChanged  bool
}

// StatusChanged reports whether the operation moved the task to another status.
func (t Transition) StatusChanged() bool { return t.From != t.To }

// Changed reports whether anything observable changed.
func (t Transition) Changed() bool { return t.StatusChanged() || t.AssigneeChanged }

func begin(t *Task) Transition {
	tr := Transition{From: t.Status, To: t.Status}
	if t.AssigneeID != nil {
		prev := *t.AssigneeID
		tr.PreviousAssignee = &prev
	}
	return tr
}

func setStatus(t *Task, s TaskStatus, now time.Time) {
	if s == StatusCompleted {
		if t.Status != StatusCompleted || t.CompletedAt == nil {
			at := now
			t.CompletedAt = &at
		}
	} else {
		t.CompletedAt = nil
	}
	t.Status = s
}

func setAssignee(t *Task, userID int64) bool {
	if t.IsAssignee(userID) {
		return false
	}
	id := userID
	t.AssigneeID = &id
	return true
}

// Assign makes user the assignee. An Open task advances to InProgress.
func Assign(t *Task, user *User, now time.Time) (Transition, error) {
	const op = "assign"
	if t == nil {
		return Transition{}, NotFound(op, "task", "")
	}
	if user == nil {
		return Transition{}, NotFound(op, "user", "")
	}
	if !user.IsActive {
		return Transition{}, Inactive(op, user.ID)
	}
	tr := begin(t)
	tr.AssigneeChanged = setAssignee(t, user.ID)
	if t.Status == StatusOpen {
		setStatus(t, StatusInProgress, now)
	}
	tr.To = t.Status
	if tr.Changed() {
		t.UpdatedAt = now
	}
	return tr, nil
}

// Accept is called by the assignee to start working on the task.
func Accept(t *Task, actor *User, now time.Time) (Transition, error) {
	const op = "accept"
	if t == nil {
		return Transition{}, NotFound(op, "task", "")
	}
	if actor == nil || !t.IsAssignee(actor.ID) {
		return Transition{}, Unauthorized(op, "only the assignee can accept a task")
	}
	tr := begin(t)
	if t.Status == StatusInProgress {
		return tr, nil
	}
	if t.Status == StatusOpen {
		setStatus(t, StatusInProgress, now)
		t.UpdatedAt = now
	}
	tr.To = t.Status
	return tr, nil
}

// Forward hands the task to newUser. The task goes back to Open so the new
// assignee has to accept it.
func Forward(t *Task, newUser, actor *User, now time.Time) (Transition, error) {
	const op = "forward"
	if t == nil {
		return Transition{}, NotFound(op, "task", "")
	}
	if newUser == nil {
		return Transition{}, NotFound(op, "user", "")
	}
	if actor == nil || (!t.IsAssignee(actor.ID) && t.CreatorID != actor.ID) {
		return Transition{}, Unauthorized(op, "only the assignee or the creator can forward a task")
	}
	if !newUser.IsActive {
		return Transition{}, Inactive(op, newUser.ID)
	}
	tr := begin(t)
	tr.AssigneeChanged = setAssignee(t, newUser.ID)
	setStatus(t, StatusOpen, now)
	tr.To = t.Status
	t.UpdatedAt = now
	return tr, nil
}

// Complete marks the task Completed. Completing an already completed task is
// a no-op and reports no status change, which callers use as the re-entry
// guard for completion notifications.
func Complete(t *Task, actor *User, now time.Time) (Transition, error) {
	const op = "complete"
	if t == nil {
		return Transition{}, NotFound(op, "task", "")
	}
	if actor == nil || (!t.IsAssignee(actor.ID) && t.CreatorID != actor.ID && !actor.IsAdmin()) {
		return Transition{}, Unauthorized(op, "only the assignee or the creator can complete a task")
	}
	tr := begin(t)
	if t.Status == StatusCompleted {
		return tr, nil
	}
	setStatus(t, StatusCompleted, now)
	tr.To = t.Status
	t.UpdatedAt = now
	return tr, nil
}

// TaskPatch is a free-form edit. Nil fields are left untouched.
type TaskPatch struct {
	Title        *string     `json:"title,omitempty"`
	Description  *string     `json:"description,omitempty"`
	Priority     *Priority   `json:"priority,omitempty"`
	Status       *TaskStatus `json:"status,omitempty"`
	DueDate      *time.Time  `json:"dueDate,omitempty"`
	ClearDueDate bool        `json:"clearDueDate,omitempty"`
	AssigneeID   *int64      `json:"assigneeId,omitempty"`
	CategoryID   *int64      `json:"categoryId,omitempty"`
}

// Validate checks field constraints without touching a task.
func (p TaskPatch) Validate() error {
	const op = "update task"
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Validationf(op, "title must not be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return Validationf(op, "unknown priority %q", *p.Priority)
	}
	if p.Status != nil && !p.Status.Valid() {
		return Validationf(op, "unknown status %q", *p.Status)
	}
	return nil
}

// UpdateFields applies patch. When the assignee changes, newAssignee must be
// the resolved user for patch.AssigneeID.
func UpdateFields(t *Task, patch TaskPatch, newAssignee *User, now time.Time) (Transition, error) {
	const op = "update task"
	if t == nil {
		return Transition{}, NotFound(op, "task", "")
	}
	if err := patch.Validate(); err != nil {
		return Transition{}, err
	}
	tr := begin(t)
	if patch.AssigneeID != nil && !t.IsAssignee(*patch.AssigneeID) {
		if newAssignee == nil || newAssignee.ID != *patch.AssigneeID {
			return Transition{}, NotFound(op, "user", *patch.AssigneeID)
		}
		if !newAssignee.IsActive {
			return Transition{}, Inactive(op, newAssignee.ID)
		}
		tr.AssigneeChanged = setAssignee(t, newAssignee.ID)
	}
	if patch.Title != nil {
		t.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.CategoryID != nil {
		id := *patch.CategoryID
		t.CategoryID = &id
	}
	if patch.ClearDueDate {
		t.DueDate = nil
	} else if patch.DueDate != nil {
		d := patch.DueDate.UTC()
		t.DueDate = &d
	}
	if patch.Status != nil {
		setStatus(t, *patch.Status, now)
	}
	tr.To = t.Status
	t.UpdatedAt = now
	return tr, nil
}

// Rate records the creator's rating of a completed task.
func Rate(t *Task, actor *User, rating int) error {
	const op = "rate"
	if t == nil {
		return NotFound(op, "task", "")
	}
	if rating < 1 || rating > 5 {
		return Validationf(op, "rating must be between 1 and 5, got %d", rating)
	}
	if actor == nil || actor.ID != t.CreatorID {
		return Unauthorized(op, "only the creator can rate a task")
	}
	if t.Status != StatusCompleted {
		return Validationf(op, "only completed tasks can be rated")
	}
	r := rating
	t.Rating = &r
	return nil
}
