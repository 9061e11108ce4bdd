package domain

import (
	"sort"
	"time"
	"unicode/utf8"
)

// PreviewLength is the maximum number of runes kept in a chat summary's
// last-message preview.
const PreviewLength = 50

// ChatSummary is the derived per-task rollup shown in conversation lists.
type ChatSummary struct {
	TaskID       int64      `json:"taskId"`
	TaskTitle    string     `json:"taskTitle"`
	Status       TaskStatus `json:"status"`
	AssigneeName string     `json:"assigneeName,omitempty"`
	CategoryName string     `json:"categoryName,omitempty"`
	IsFavorite   bool       `json:"isFavorite"`
	LastMessage  string     `json:"lastMessage,omitempty"`
	LastAuthor   string     `json:"lastAuthor,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
	UnreadCount  int        `json:"unreadCount"`
	TotalCount   int        `json:"totalCount"`
}

// Preview truncates s to PreviewLength runes, marking the cut with "...".
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLength]) + "..."
}

// DedupSummaries keeps the first summary per task id, preserving order.
func DedupSummaries(in []ChatSummary) []ChatSummary {
	seen := make(map[int64]struct{}, len(in))
	out := make([]ChatSummary, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s.TaskID]; ok {
			continue
		}
		seen[s.TaskID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SortSummaries orders favorites first, then by descending last activity.
func SortSummaries(s []ChatSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].IsFavorite != s[j].IsFavorite {
			return s[i].IsFavorite
		}
		if !s[i].LastActivity.Equal(s[j].LastActivity) {
			return s[i].LastActivity.After(s[j].LastActivity)
		}
		return s[i].TaskID > s[j].TaskID
	})
}
