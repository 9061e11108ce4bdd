package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"taskhub/domain"
)

// APIClient calls the gateway's REST API as one user.
type APIClient struct {
	caller
}

func NewAPIClient(baseURL, token string, hc *http.Client) *APIClient {
	return &APIClient{caller: newCaller(baseURL, token, hc)}
}

// ChatSummaries lists the caller's conversations.
func (a *APIClient) ChatSummaries(ctx context.Context) ([]domain.ChatSummary, error) {
	var out []domain.ChatSummary
	err := a.call(ctx, http.MethodGet, "/api/chats", nil, &out)
	return out, err
}

// Comments returns a task's transcript.
func (a *APIClient) Comments(ctx context.Context, taskID int64) ([]domain.Comment, error) {
	var out []domain.Comment
	err := a.call(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d/comments", taskID), nil, &out)
	return out, err
}

// Notifications returns the caller's notifications, newest first.
func (a *APIClient) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]domain.Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.Notification
	err := a.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (a *APIClient) Task(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	err := a.call(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d", taskID), nil, &t)
	return t, err
}

func (a *APIClient) AddComment(ctx context.Context, taskID int64, body string) (domain.Comment, error) {
	var c domain.Comment
	err := a.call(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", taskID), map[string]string{"body": body}, &c)
	return c, err
}

func (a *APIClient) MarkCommentsRead(ctx context.Context, taskID int64) error {
	return a.call(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments/read", taskID), nil, nil)
}

func (a *APIClient) AcceptTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	err := a.call(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/accept", taskID), nil, &t)
	return t, err
}

func (a *APIClient) CompleteTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	err := a.call(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/complete", taskID), nil, &t)
	return t, err
}

func (a *APIClient) ForwardTask(ctx context.Context, taskID, userID int64) (domain.Task, error) {
	var t domain.Task
	err := a.call(ctx, http.MethodPost, fmt.Sprintf("/api/tasks/%d/forward", taskID), map[string]int64{"userId": userID}, &t)
	return t, err
}
