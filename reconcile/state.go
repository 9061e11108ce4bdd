package reconcile

import (
	"slices"

	"taskhub/domain"
)

// Snapshot is an immutable view of the projections at Version.
type Snapshot struct {
	Version             uint64
	OpenTaskID          int64
	Summaries           []domain.ChatSummary
	Transcripts         map[int64][]domain.Comment
	Notifications       []domain.Notification
	UnreadNotifications int
}

// Transcript returns the task's comments in creation order.
func (s Snapshot) Transcript(taskID int64) []domain.Comment {
	return s.Transcripts[taskID]
}

// Summary returns the task's chat summary, if the list has one.
func (s Snapshot) Summary(taskID int64) (domain.ChatSummary, bool) {
	for _, cs := range s.Summaries {
		if cs.TaskID == taskID {
			return cs, true
		}
	}
	return domain.ChatSummary{}, false
}

// state is the mutable projection owned by Store.Run.
type state struct {
	viewerID int64
	version  uint64
	openTask int64

	summaries   []domain.ChatSummary
	transcripts map[int64][]domain.Comment
	deleted     map[int64]struct{}

	notifications []domain.Notification
	noteIDs       map[int64]struct{}
	unreadNotes   int

	// While a fetch is in flight, live changes are recorded with the version
	// they produced so a fetched list cannot overwrite them.
	fetches   int
	touched   map[int64]uint64
	lateNotes []lateNote

	pending []Diff
}

type lateNote struct {
	version uint64
	note    domain.Notification
}

func newState(viewerID int64) *state {
	return &state{
		viewerID:    viewerID,
		transcripts: make(map[int64][]domain.Comment),
		deleted:     make(map[int64]struct{}),
		noteIDs:     make(map[int64]struct{}),
		touched:     make(map[int64]uint64),
	}
}

// beginFetch opens a fetch window and returns its mark.
func (st *state) beginFetch() uint64 {
	st.fetches++
	return st.version
}

func (st *state) endFetch() {
	if st.fetches > 0 {
		st.fetches--
	}
	if st.fetches == 0 {
		clear(st.touched)
		st.lateNotes = nil
	}
}

func (st *state) touch(taskID int64) {
	if st.fetches > 0 {
		st.touched[taskID] = st.version
	}
}

func (st *state) changed(kind DiffKind, taskID int64) {
	st.version++
	st.pending = append(st.pending, Diff{Version: st.version, Kind: kind, TaskID: taskID})
}

func (st *state) takeDiffs() []Diff {
	d := st.pending
	st.pending = nil
	return d
}

func (st *state) snapshot() Snapshot {
	transcripts := make(map[int64][]domain.Comment, len(st.transcripts))
	for id, t := range st.transcripts {
		transcripts[id] = slices.Clone(t)
	}
	return Snapshot{
		Version:             st.version,
		OpenTaskID:          st.openTask,
		Summaries:           slices.Clone(st.summaries),
		Transcripts:         transcripts,
		Notifications:       slices.Clone(st.notifications),
		UnreadNotifications: st.unreadNotes,
	}
}

// apply folds one event. It reports whether the summary list must be rebuilt
// from the source.
func (st *state) apply(ev domain.Event) (rebuild bool) {
	switch e := ev.(type) {
	case domain.NewCommentEvent:
		return st.addComment(e)
	case domain.CommentUpdatedEvent:
		st.updateComment(e)
	case domain.CommentDeletedEvent:
		st.deleteComment(e)
	case domain.NewNotificationEvent:
		st.addNotification(e)
	case domain.TaskUpdatedEvent:
		st.updateTask(e)
	}
	return false
}

func (st *state) summaryIndex(taskID int64) int {
	for i := range st.summaries {
		if st.summaries[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

func (st *state) resort() {
	st.summaries = domain.DedupSummaries(st.summaries)
	domain.SortSummaries(st.summaries)
}

func commentFromEvent(e domain.NewCommentEvent) domain.Comment {
	return domain.Comment{
		ID:              e.CommentID,
		TaskID:          e.TaskID,
		AuthorID:        e.Author.ID,
		Author:          e.Author,
		Body:            e.Content,
		Type:            e.Type,
		ParentCommentID: e.ParentCommentID,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.CreatedAt,
	}
}

// insert places c by creation time after any comment with an equal
// timestamp. It is a no-op when c's id is already present or was deleted.
func (st *state) insert(c domain.Comment) bool {
	if _, gone := st.deleted[c.ID]; gone {
		return false
	}
	t := st.transcripts[c.TaskID]
	for _, existing := range t {
		if existing.ID == c.ID {
			return false
		}
	}
	i := len(t)
	for i > 0 && t[i-1].CreatedAt.After(c.CreatedAt) {
		i--
	}
	st.transcripts[c.TaskID] = slices.Insert(t, i, c)
	return true
}

func (st *state) addComment(e domain.NewCommentEvent) (rebuild bool) {
	c := commentFromEvent(e)
	c.IsRead = c.AuthorID == st.viewerID || e.TaskID == st.openTask
	if !st.insert(c) {
		return false
	}
	st.changed(TranscriptChanged, e.TaskID)

	i := st.summaryIndex(e.TaskID)
	if i < 0 {
		return true
	}
	cs := &st.summaries[i]
	cs.LastMessage = domain.Preview(e.Content)
	cs.LastAuthor = e.Author.DisplayName()
	cs.LastActivity = e.CreatedAt
	cs.TotalCount++
	if e.Author.ID != st.viewerID && e.TaskID != st.openTask {
		cs.UnreadCount++
	}
	st.resort()
	st.changed(SummariesChanged, e.TaskID)
	st.touch(e.TaskID)
	return false
}

func (st *state) updateComment(e domain.CommentUpdatedEvent) {
	t := st.transcripts[e.TaskID]
	for i := range t {
		if t[i].ID == e.CommentID {
			t[i].Body = e.Content
			t[i].IsEdited = e.IsEdited
			t[i].UpdatedAt = e.UpdatedAt
			st.changed(TranscriptChanged, e.TaskID)
			return
		}
	}
}

// deleteComment drops the comment and its direct replies from the transcript
// and decrements the summary total by one, whether or not the transcript is
// loaded. The last-message fields are left as they were.
func (st *state) deleteComment(e domain.CommentDeletedEvent) {
	if _, gone := st.deleted[e.CommentID]; gone {
		return
	}
	st.deleted[e.CommentID] = struct{}{}

	if t, ok := st.transcripts[e.TaskID]; ok {
		kept := t[:0]
		for _, c := range t {
			if c.ID == e.CommentID || (c.ParentCommentID != nil && *c.ParentCommentID == e.CommentID) {
				st.deleted[c.ID] = struct{}{}
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(t) {
			st.transcripts[e.TaskID] = kept
			st.changed(TranscriptChanged, e.TaskID)
		}
	}

	if i := st.summaryIndex(e.TaskID); i >= 0 {
		cs := &st.summaries[i]
		cs.TotalCount = max(cs.TotalCount-1, 0)
		st.resort()
		st.changed(SummariesChanged, e.TaskID)
		st.touch(e.TaskID)
	}
}

func (st *state) addNotification(e domain.NewNotificationEvent) {
	if _, ok := st.noteIDs[e.ID]; ok {
		return
	}
	st.noteIDs[e.ID] = struct{}{}
	n := domain.Notification{
		ID:          e.ID,
		RecipientID: st.viewerID,
		Type:        e.Type,
		Title:       e.Title,
		Message:     e.Message,
		TaskID:      e.TaskID,
		IsRead:      e.IsRead,
		CreatedAt:   e.CreatedAt,
	}
	st.notifications = slices.Insert(st.notifications, 0, n)
	if !n.IsRead {
		st.unreadNotes++
	}
	st.changed(NotificationsChanged, 0)
	if st.fetches > 0 {
		st.lateNotes = append(st.lateNotes, lateNote{version: st.version, note: n})
	}
}

func (st *state) updateTask(e domain.TaskUpdatedEvent) {
	i := st.summaryIndex(e.TaskID)
	if i < 0 {
		return
	}
	cs := &st.summaries[i]
	cs.Status = e.Status
	if e.Title != "" {
		cs.TaskTitle = e.Title
	}
	st.changed(SummariesChanged, e.TaskID)
	st.touch(e.TaskID)
}

// replaceSummaries installs a fetched list. Rows for tasks changed live after
// mark keep their local value.
func (st *state) replaceSummaries(in []domain.ChatSummary, mark uint64) {
	next := slices.Clone(in)
	for taskID, v := range st.touched {
		if v <= mark {
			continue
		}
		i := st.summaryIndex(taskID)
		if i < 0 {
			continue
		}
		j := slices.IndexFunc(next, func(cs domain.ChatSummary) bool { return cs.TaskID == taskID })
		if j >= 0 {
			next[j] = st.summaries[i]
		} else {
			next = append(next, st.summaries[i])
		}
	}
	st.summaries = next
	if i := st.summaryIndex(st.openTask); i >= 0 && st.openTask != 0 {
		st.summaries[i].UnreadCount = 0
	}
	st.resort()
	st.changed(SummariesChanged, 0)
}

// replaceNotifications installs a fetched inbox. Notifications received live
// after mark and missing from in stay at the head of the list.
func (st *state) replaceNotifications(in []domain.Notification, mark uint64) {
	fetched := make(map[int64]struct{}, len(in))
	for _, n := range in {
		fetched[n.ID] = struct{}{}
	}
	var merged []domain.Notification
	for i := len(st.lateNotes) - 1; i >= 0; i-- {
		late := st.lateNotes[i]
		if _, ok := fetched[late.note.ID]; ok || late.version <= mark {
			continue
		}
		merged = append(merged, late.note)
	}
	merged = append(merged, in...)

	st.notifications = nil
	st.noteIDs = make(map[int64]struct{}, len(merged))
	st.unreadNotes = 0
	for _, n := range merged {
		if _, ok := st.noteIDs[n.ID]; ok {
			continue
		}
		st.noteIDs[n.ID] = struct{}{}
		st.notifications = append(st.notifications, n)
		if !n.IsRead {
			st.unreadNotes++
		}
	}
	st.changed(NotificationsChanged, 0)
}

// open merges the source transcript with comments already received for the
// task and clears its unread count.
func (st *state) open(taskID int64, comments []domain.Comment) {
	st.openTask = taskID
	byTime := slices.Clone(comments)
	slices.SortStableFunc(byTime, func(a, b domain.Comment) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, c := range byTime {
		c.TaskID = taskID
		c.IsRead = true
		st.insert(c)
	}
	t := st.transcripts[taskID]
	for i := range t {
		t[i].IsRead = true
	}
	if t == nil {
		st.transcripts[taskID] = []domain.Comment{}
	}
	st.changed(OpenTaskChanged, taskID)
	st.changed(TranscriptChanged, taskID)

	if i := st.summaryIndex(taskID); i >= 0 && st.summaries[i].UnreadCount != 0 {
		st.summaries[i].UnreadCount = 0
		st.changed(SummariesChanged, taskID)
	}
}

// refreshOpen merges comments fetched after a reconnect into the open task's
// transcript. It is a no-op once another task was opened.
func (st *state) refreshOpen(taskID int64, comments []domain.Comment) {
	if st.openTask != taskID {
		return
	}
	byTime := slices.Clone(comments)
	slices.SortStableFunc(byTime, func(a, b domain.Comment) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	added := false
	for _, c := range byTime {
		c.TaskID = taskID
		c.IsRead = true
		if st.insert(c) {
			added = true
		}
	}
	if added {
		st.changed(TranscriptChanged, taskID)
	}
}

func (st *state) close() {
	if st.openTask == 0 {
		return
	}
	st.openTask = 0
	st.changed(OpenTaskChanged, 0)
}
