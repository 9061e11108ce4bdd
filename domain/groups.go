package domain

import (
	"strconv"
	"strings"
)

const (
	taskGroupPrefix = "Task_"
	userGroupPrefix = "User_"
)

// TaskGroup is the broadcast group of everyone viewing a task's conversation.
func TaskGroup(taskID int64) string {
	return taskGroupPrefix + strconv.FormatInt(taskID, 10)
}

// UserGroup is the broadcast group of every connection of one user.
func UserGroup(userID int64) string {
	return userGroupPrefix + strconv.FormatInt(userID, 10)
}

// ParseGroup splits a group key into its kind ("task" or "user") and id.
func ParseGroup(key string) (kind string, id int64, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, taskGroupPrefix):
		kind, rest = "task", key[len(taskGroupPrefix):]
	case strings.HasPrefix(key, userGroupPrefix):
		kind, rest = "user", key[len(userGroupPrefix):]
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return kind, id, true
}
