package domain

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "Open"
	StatusInProgress TaskStatus = "InProgress"
	StatusCompleted  TaskStatus = "Completed"
	StatusCancelled  TaskStatus = "Cancelled"
	StatusOnHold     TaskStatus = "OnHold"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled, StatusOnHold:
		return true
	}
	return false
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a shared work item.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	CreatorID   int64      `json:"creatorId"`
	AssigneeID  *int64     `json:"assigneeId,omitempty"`
	CategoryID  *int64     `json:"categoryId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Rating      *int       `json:"rating,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Version is bumped on every persisted update and used for optimistic concurrency.
	Version int64 `json:"version"`
}

// IsAssignee reports whether userID is the current assignee.
func (t *Task) IsAssignee(userID int64) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// Participants returns the creator and the assignee, deduplicated.
func (t *Task) Participants() []int64 {
	ids := []int64{t.CreatorID}
	if t.AssigneeID != nil && *t.AssigneeID != t.CreatorID {
		ids = append(ids, *t.AssigneeID)
	}
	return ids
}

// Role of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an account that can own, receive and discuss tasks.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
	IsActive  bool   `json:"isActive"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// DisplayName returns "First Last", falling back to the username.
func (u *User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Username
	}
	return name
}

// Category groups tasks.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DeadlineKind selects which deadline notification a task is being checked for.
type DeadlineKind string

const (
	DeadlineDueSoon DeadlineKind = "due-soon"
	DeadlineOverdue DeadlineKind = "overdue"
)
