package domain

import "time"

// CommentType distinguishes user messages from generated ones.
type CommentType string

const (
	CommentText   CommentType = "text"
	CommentSystem CommentType = "system"
)

// Author is the public projection of a user attached to comments.
type Author struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// AuthorOf projects u.
func AuthorOf(u User) Author {
	return Author{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

// DisplayName returns "First Last" or the username.
func (a Author) DisplayName() string {
	u := User{Username: a.Username, FirstName: a.FirstName, LastName: a.LastName}
	return u.DisplayName()
}

// Comment is a message in a task's conversation.
type Comment struct {
	ID              int64       `json:"id"`
	TaskID          int64       `json:"taskId"`
	AuthorID        int64       `json:"authorId"`
	Author          Author      `json:"author"`
	Body            string      `json:"body"`
	Type            CommentType `json:"type"`
	ParentCommentID *int64      `json:"parentCommentId,omitempty"`
	IsRead          bool        `json:"isRead"`
	IsEdited        bool        `json:"isEdited"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// NotificationType enumerates notification reasons.
type NotificationType string

const (
	NotificationTaskAssigned  NotificationType = "TaskAssigned"
	NotificationTaskCompleted NotificationType = "TaskCompleted"
	NotificationTaskForwarded NotificationType = "TaskForwarded"
	NotificationStatusChanged NotificationType = "StatusChanged"
	NotificationCommentAdded  NotificationType = "CommentAdded"
	NotificationDueSoon       NotificationType = "DueSoon"
	NotificationOverdue       NotificationType = "Overdue"
	NotificationGeneral       NotificationType = "General"
)

// Notification is addressed to one user. Only its read state ever changes.
type Notification struct {
	ID          int64            `json:"id"`
	RecipientID int64            `json:"recipientId"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	TaskID      *int64           `json:"taskId,omitempty"`
	IsRead      bool             `json:"isRead"`
	ReadAt      *time.Time       `json:"readAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}
