package reconcile

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"taskhub/client"
	"taskhub/domain"
)

const viewer = int64(3)

var (
	alice = domain.Author{ID: viewer, Username: "alice", FirstName: "Alice", LastName: "Ames"}
	bob   = domain.Author{ID: 4, Username: "bob", FirstName: "Bob", LastName: "Burns"}
	base  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	mu            sync.Mutex
	summaries     []domain.ChatSummary
	comments      map[int64][]domain.Comment
	notifications []domain.Notification
	summaryCalls  int
	marked        []int64
	// gate holds summary fetches until closed.
	gate chan struct{}
}

func (f *fakeSource) ChatSummaries(ctx context.Context) ([]domain.ChatSummary, error) {
	f.mu.Lock()
	f.summaryCalls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.summaries), nil
}

func (f *fakeSource) Comments(_ context.Context, taskID int64) ([]domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.comments[taskID]), nil
}

func (f *fakeSource) Notifications(context.Context, bool, int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.notifications), nil
}

func (f *fakeSource) MarkCommentsRead(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, taskID)
	return nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls
}

func newTestStore(t *testing.T, src *fakeSource) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := NewStore(viewer, src, logger)
	runStore(t, s)
	return s
}

func runStore(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func load(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	flush(t, s)
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func comment(id, taskID int64, author domain.Author, body string, at time.Time) domain.NewCommentEvent {
	return domain.NewCommentEvent{
		CommentID: id,
		TaskID:    taskID,
		Content:   body,
		Type:      domain.CommentText,
		CreatedAt: at,
		Author:    author,
	}
}

func summaries() []domain.ChatSummary {
	return []domain.ChatSummary{
		{TaskID: 1, TaskTitle: "Roof", LastActivity: base, TotalCount: 2},
		{TaskID: 2, TaskTitle: "Boiler", LastActivity: base.Add(-time.Hour), TotalCount: 1},
		{TaskID: 3, TaskTitle: "Fence", LastActivity: base.Add(-2 * time.Hour), IsFavorite: true},
	}
}

func ids(cs []domain.Comment) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func order(ss []domain.ChatSummary) []int64 {
	out := make([]int64, len(ss))
	for i, s := range ss {
		out[i] = s.TaskID
	}
	return out
}

func TestDuplicateCommentAddsOneEntry(t *testing.T) {
	src := &fakeSource{summaries: summaries()}
	s := newTestStore(t, src)
	load(t, s)

	ev := comment(42, 1, bob, "hello", base.Add(time.Minute))
	s.Apply(ev)
	time.Sleep(50 * time.Millisecond)
	s.Apply(ev)
	flush(t, s)

	snap := s.Snapshot()
	if got := ids(snap.Transcript(1)); !slices.Equal(got, []int64{42}) {
		t.Fatalf("unexpected transcript %v", got)
	}
	sum, _ := snap.Summary(1)
	if sum.TotalCount != 3 || sum.UnreadCount != 1 {
		t.Fatalf("duplicate was counted: total=%d unread=%d", sum.TotalCount, sum.UnreadCount)
	}
}

func TestTranscriptKeepsCreationOrderAndFirstSeen(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)

	s.Apply(comment(2, 1, bob, "second", base.Add(2*time.Minute)))
	s.Apply(comment(1, 1, bob, "first", base.Add(time.Minute)))
	s.Apply(comment(3, 1, alice, "third", base.Add(3*time.Minute)))
	s.Apply(comment(1, 1, bob, "replayed", base.Add(5*time.Minute)))
	s.Apply(comment(4, 1, bob, "tie", base.Add(2*time.Minute)))
	flush(t, s)

	tr := s.Snapshot().Transcript(1)
	if got := ids(tr); !slices.Equal(got, []int64{1, 2, 4, 3}) {
		t.Fatalf("unexpected order %v", got)
	}
	if tr[0].Body != "first" {
		t.Fatalf("first-seen content not kept: %q", tr[0].Body)
	}
}

func TestUnreadAccounting(t *testing.T) {
	tests := []struct {
		name   string
		author domain.Author
		open   bool
		want   int
	}{
		{name: "otherAuthor", author: bob, want: 1},
		{name: "ownComment", author: alice, want: 0},
		{name: "openTask", author: bob, open: true, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{summaries: summaries()}
			s := newTestStore(t, src)
			load(t, s)
			if tt.open {
				if err := s.OpenTask(context.Background(), 2); err != nil {
					t.Fatalf("open: %v", err)
				}
			}
			s.Apply(comment(10, 2, tt.author, "status?", base.Add(time.Hour)))
			flush(t, s)

			sum, ok := s.Snapshot().Summary(2)
			if !ok {
				t.Fatalf("summary missing")
			}
			if sum.UnreadCount != tt.want {
				t.Fatalf("unread %d, want %d", sum.UnreadCount, tt.want)
			}
			if sum.TotalCount != 2 || sum.LastMessage != "status?" || !sum.LastActivity.Equal(base.Add(time.Hour)) {
				t.Fatalf("summary not updated in place: %+v", sum)
			}
			if sum.LastAuthor != tt.author.DisplayName() {
				t.Fatalf("unexpected last author %q", sum.LastAuthor)
			}
		})
	}
}

func TestSummariesResortAfterComment(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)
	if got := order(s.Snapshot().Summaries); !slices.Equal(got, []int64{3, 1, 2}) {
		t.Fatalf("unexpected initial order %v", got)
	}

	s.Apply(comment(11, 2, bob, "bump", base.Add(time.Hour)))
	flush(t, s)
	if got := order(s.Snapshot().Summaries); !slices.Equal(got, []int64{3, 2, 1}) {
		t.Fatalf("favorite must stay first, got %v", got)
	}
}

func TestLongCommentIsTruncatedInPreview(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)
	long := "0123456789012345678901234567890123456789012345678901234567890123456789"
	s.Apply(comment(12, 1, bob, long, base.Add(time.Hour)))
	flush(t, s)

	sum, _ := s.Snapshot().Summary(1)
	if sum.LastMessage != domain.Preview(long) || len([]rune(sum.LastMessage)) != domain.PreviewLength+3 {
		t.Fatalf("unexpected preview %q", sum.LastMessage)
	}
}

func TestUnknownTaskRebuildsFromSource(t *testing.T) {
	src := &fakeSource{summaries: summaries()}
	s := newTestStore(t, src)
	load(t, s)
	diffs, cancel := s.Subscribe()
	defer cancel()

	src.mu.Lock()
	src.summaries = append(src.summaries, domain.ChatSummary{
		TaskID: 9, TaskTitle: "Gutter", AssigneeName: "Bob Burns", CategoryName: "Outdoor",
		LastMessage: "new task", LastActivity: base.Add(time.Hour), TotalCount: 1, UnreadCount: 1,
	})
	src.mu.Unlock()

	s.Apply(comment(50, 9, bob, "new task", base.Add(time.Hour)))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-diffs:
			if d.Kind != SummariesChanged {
				continue
			}
			sum, ok := s.Snapshot().Summary(9)
			if !ok {
				t.Fatalf("rebuild did not add task 9")
			}
			if sum.AssigneeName != "Bob Burns" || sum.CategoryName != "Outdoor" {
				t.Fatalf("summary not taken from source: %+v", sum)
			}
			if got := order(s.Snapshot().Summaries); !slices.Equal(got, []int64{3, 9, 1, 2}) {
				t.Fatalf("unexpected order after rebuild %v", got)
			}
			if src.calls() != 2 {
				t.Fatalf("expected one rebuild fetch after load, got %d calls", src.calls())
			}
			return
		case <-deadline:
			t.Fatalf("no rebuild diff")
		}
	}
}

func TestDeleteOnlyDecrementsTotal(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)

	parent := int64(20)
	s.Apply(comment(20, 1, bob, "question", base.Add(time.Minute)))
	reply := comment(21, 1, alice, "answer", base.Add(2*time.Minute))
	reply.ParentCommentID = &parent
	s.Apply(reply)
	s.Apply(comment(22, 1, bob, "latest", base.Add(3*time.Minute)))
	flush(t, s)

	before, _ := s.Snapshot().Summary(1)
	s.Apply(domain.CommentDeletedEvent{CommentID: 20, TaskID: 1})
	s.Apply(domain.CommentDeletedEvent{CommentID: 20, TaskID: 1})
	s.Apply(comment(21, 1, alice, "answer", base.Add(2*time.Minute)))
	flush(t, s)

	snap := s.Snapshot()
	if got := ids(snap.Transcript(1)); !slices.Equal(got, []int64{22}) {
		t.Fatalf("unexpected transcript after delete %v", got)
	}
	after, _ := snap.Summary(1)
	if after.TotalCount != before.TotalCount-1 {
		t.Fatalf("total %d, want %d", after.TotalCount, before.TotalCount-1)
	}
	if after.LastMessage != before.LastMessage || !after.LastActivity.Equal(before.LastActivity) {
		t.Fatalf("last message recomputed: %+v", after)
	}
}

func TestCommentUpdatedInPlace(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)
	s.Apply(comment(30, 1, bob, "typo", base.Add(time.Minute)))
	s.Apply(domain.CommentUpdatedEvent{CommentID: 30, TaskID: 1, Content: "fixed", UpdatedAt: base.Add(2 * time.Minute), IsEdited: true})
	flush(t, s)

	tr := s.Snapshot().Transcript(1)
	if len(tr) != 1 || tr[0].Body != "fixed" || !tr[0].IsEdited {
		t.Fatalf("comment not edited in place: %+v", tr)
	}
}

func TestNotificationsDeduplicated(t *testing.T) {
	taskID := int64(1)
	src := &fakeSource{notifications: []domain.Notification{
		{ID: 1, RecipientID: viewer, Type: domain.NotificationTaskAssigned, IsRead: true, CreatedAt: base},
		{ID: 2, RecipientID: viewer, Type: domain.NotificationCommentAdded, CreatedAt: base},
	}}
	s := newTestStore(t, src)
	load(t, s)

	ev := domain.NewNotificationEvent{ID: 3, Title: "Task forwarded", Type: domain.NotificationTaskForwarded, TaskID: &taskID, CreatedAt: base.Add(time.Minute)}
	s.Apply(ev)
	s.Apply(ev)
	s.Apply(domain.NewNotificationEvent{ID: 2, Type: domain.NotificationCommentAdded, CreatedAt: base})
	flush(t, s)

	snap := s.Snapshot()
	if len(snap.Notifications) != 3 || snap.Notifications[0].ID != 3 {
		t.Fatalf("unexpected notifications %+v", snap.Notifications)
	}
	if snap.UnreadNotifications != 2 {
		t.Fatalf("unread %d, want 2", snap.UnreadNotifications)
	}
}

func TestOpenTaskMergesTranscriptAndClearsUnread(t *testing.T) {
	src := &fakeSource{
		summaries: summaries(),
		comments: map[int64][]domain.Comment{
			1: {
				{ID: 5, TaskID: 1, AuthorID: bob.ID, Author: bob, Body: "older", CreatedAt: base.Add(-time.Minute)},
				{ID: 6, TaskID: 1, AuthorID: bob.ID, Author: bob, Body: "newer", CreatedAt: base.Add(time.Minute)},
			},
		},
	}
	s := newTestStore(t, src)
	load(t, s)
	s.Apply(comment(6, 1, bob, "newer", base.Add(time.Minute)))
	s.Apply(comment(7, 1, bob, "latest", base.Add(2*time.Minute)))
	flush(t, s)
	if sum, _ := s.Snapshot().Summary(1); sum.UnreadCount != 2 {
		t.Fatalf("expected two unread before opening, got %d", sum.UnreadCount)
	}

	if err := s.OpenTask(context.Background(), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	flush(t, s)

	snap := s.Snapshot()
	if got := ids(snap.Transcript(1)); !slices.Equal(got, []int64{5, 6, 7}) {
		t.Fatalf("unexpected merged transcript %v", got)
	}
	if sum, _ := snap.Summary(1); sum.UnreadCount != 0 {
		t.Fatalf("unread not cleared: %d", sum.UnreadCount)
	}
	if snap.OpenTaskID != 1 || !slices.Equal(src.marked, []int64{1}) {
		t.Fatalf("open task not recorded: open=%d marked=%v", snap.OpenTaskID, src.marked)
	}

	if err := s.CloseTask(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.Apply(comment(8, 1, bob, "after close", base.Add(3*time.Minute)))
	flush(t, s)
	if sum, _ := s.Snapshot().Summary(1); sum.UnreadCount != 1 {
		t.Fatalf("closed task should count unread again, got %d", sum.UnreadCount)
	}
}

func TestSubscribersSeeIncreasingVersions(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	diffs, cancel := s.Subscribe()
	load(t, s)
	s.Apply(comment(1, 1, bob, "a", base.Add(time.Minute)))
	flush(t, s)
	cancel()

	var last uint64
	n := 0
	for d := range diffs {
		if d.Version <= last {
			t.Fatalf("version went from %d to %d", last, d.Version)
		}
		last = d.Version
		n++
	}
	if n < 3 || s.Snapshot().Version != last {
		t.Fatalf("got %d diffs ending at %d, snapshot at %d", n, last, s.Snapshot().Version)
	}
}

type registrar struct {
	handlers map[string]client.Handler
	states   []func(client.State)
}

func (r *registrar) On(name string, h client.Handler) {
	r.handlers[name] = h
}

func (r *registrar) OnStateChange(f func(client.State)) {
	r.states = append(r.states, f)
}

func TestAttachRegistersEveryFamily(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)
	r := &registrar{handlers: make(map[string]client.Handler)}
	s.Attach(r)

	for _, name := range []string{domain.EventNewComment, domain.EventCommentUpdated, domain.EventCommentDeleted, domain.EventNewNotification, domain.EventTaskUpdated} {
		if r.handlers[name] == nil {
			t.Fatalf("no handler for %s", name)
		}
	}
	r.handlers[domain.EventTaskUpdated](domain.TaskUpdatedEvent{TaskID: 2, Title: "Boiler service", Status: domain.StatusCompleted})
	flush(t, s)
	sum, _ := s.Snapshot().Summary(2)
	if sum.Status != domain.StatusCompleted || sum.TaskTitle != "Boiler service" {
		t.Fatalf("task update not applied: %+v", sum)
	}
	if len(r.states) != 1 {
		t.Fatalf("expected one state hook, got %d", len(r.states))
	}
}

func TestDeleteWithoutTranscriptDecrementsByOne(t *testing.T) {
	s := newTestStore(t, &fakeSource{summaries: summaries()})
	load(t, s)
	s.Apply(domain.CommentDeletedEvent{CommentID: 77, TaskID: 2})
	flush(t, s)
	if sum, _ := s.Snapshot().Summary(2); sum.TotalCount != 0 {
		t.Fatalf("total %d, want 0", sum.TotalCount)
	}
}

func TestRebuildKeepsLiveSummaryUpdates(t *testing.T) {
	src := &fakeSource{summaries: summaries()}
	s := newTestStore(t, src)
	load(t, s)

	gate := make(chan struct{})
	src.mu.Lock()
	src.gate = gate
	src.summaries = append(src.summaries, domain.ChatSummary{
		TaskID: 9, TaskTitle: "Gutter", LastMessage: "new task", LastActivity: base.Add(time.Hour), TotalCount: 1,
	})
	src.mu.Unlock()

	s.Apply(comment(50, 9, bob, "new task", base.Add(time.Hour)))
	eventually(t, func() bool { return src.calls() == 2 })
	s.Apply(comment(51, 1, bob, "late on task 1", base.Add(2*time.Hour)))
	flush(t, s)
	if sum, _ := s.Snapshot().Summary(1); sum.TotalCount != 3 {
		t.Fatalf("live comment not applied: %+v", sum)
	}

	close(gate)
	eventually(t, func() bool {
		_, ok := s.Snapshot().Summary(9)
		return ok
	})
	snap := s.Snapshot()
	sum, _ := snap.Summary(1)
	if sum.TotalCount != 3 || sum.LastMessage != "late on task 1" {
		t.Fatalf("rebuild overwrote a live update: %+v", sum)
	}
	if got := ids(snap.Transcript(1)); !slices.Equal(got, []int64{51}) {
		t.Fatalf("unexpected transcript %v", got)
	}
	if other, _ := snap.Summary(2); other.TotalCount != 1 {
		t.Fatalf("untouched task should come from the source: %+v", other)
	}
}

func TestLoadKeepsNotificationsReceivedDuringFetch(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{
		summaries: summaries(),
		notifications: []domain.Notification{
			{ID: 1, RecipientID: viewer, Type: domain.NotificationTaskAssigned, IsRead: true, CreatedAt: base},
		},
		gate: gate,
	}
	s := newTestStore(t, src)

	loaded := make(chan error, 1)
	go func() { loaded <- s.Load(context.Background()) }()
	eventually(t, func() bool { return src.calls() == 1 })
	s.Apply(domain.NewNotificationEvent{ID: 2, Type: domain.NotificationCommentAdded, Title: "New comment", CreatedAt: base.Add(time.Minute)})
	flush(t, s)
	close(gate)
	if err := <-loaded; err != nil {
		t.Fatalf("load: %v", err)
	}
	flush(t, s)

	snap := s.Snapshot()
	got := make([]int64, len(snap.Notifications))
	for i, n := range snap.Notifications {
		got[i] = n.ID
	}
	if !slices.Equal(got, []int64{2, 1}) || snap.UnreadNotifications != 1 {
		t.Fatalf("inbox %v unread %d", got, snap.UnreadNotifications)
	}
}

func TestApplyDropsAndResyncsWhenQueueIsFull(t *testing.T) {
	src := &fakeSource{summaries: summaries()}
	logger, hook := test.NewNullLogger()
	s := NewStore(viewer, src, logger)
	runStore(t, s)
	load(t, s)

	gate := make(chan struct{})
	if err := s.submit(context.Background(), func(*state) { <-gate }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < opBuffer+2; i++ {
			s.Apply(comment(int64(100+i), 1, bob, "burst", base.Add(time.Minute)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("Apply blocked on a full queue")
	}

	dropped := false
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "queue full") {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("expected the overflow to be logged")
	}

	close(gate)
	eventually(t, func() bool { return src.calls() >= 2 })
}

type stubSession struct {
	id     string
	events chan client.Message
	once   sync.Once
}

func (s *stubSession) ConnectionID() string { return s.id }
func (s *stubSession) Events() <-chan client.Message { return s.events }
func (s *stubSession) Err() error { return errors.New("connection reset") }
func (s *stubSession) JoinTaskGroup(context.Context, int64) error { return nil }
func (s *stubSession) LeaveTaskGroup(context.Context, int64) error { return nil }
func (s *stubSession) JoinUserGroup(context.Context, int64) error { return nil }
func (s *stubSession) LeaveUserGroup(context.Context, int64) error { return nil }
func (s *stubSession) Close() error { s.drop(); return nil }
func (s *stubSession) drop() { s.once.Do(func() { close(s.events) }) }

type stubTransport struct {
	mu       sync.Mutex
	sessions []*stubSession
}

func (tr *stubTransport) Open(ctx context.Context, _ int64) (client.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s := &stubSession{id: "conn", events: make(chan client.Message, 8)}
	tr.sessions = append(tr.sessions, s)
	return s, nil
}

func (tr *stubTransport) last() *stubSession {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sessions[len(tr.sessions)-1]
}

func TestReconnectResyncsProjections(t *testing.T) {
	src := &fakeSource{
		summaries: summaries(),
		comments: map[int64][]domain.Comment{
			1: {{ID: 5, TaskID: 1, AuthorID: bob.ID, Author: bob, Body: "before", CreatedAt: base}},
		},
	}
	s := newTestStore(t, src)
	logger, _ := test.NewNullLogger()
	tr := &stubTransport{}
	m := client.NewManager(tr, client.ReconnectPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond}, logger)
	defer m.Close()
	s.Attach(m)

	ctx := context.Background()
	if err := m.Start(ctx, viewer); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool {
		_, ok := s.Snapshot().Summary(1)
		return ok
	})
	if err := s.OpenTask(ctx, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	flush(t, s)

	src.mu.Lock()
	src.summaries[0].TotalCount = 3
	src.summaries[0].UnreadCount = 1
	src.summaries[0].LastMessage = "while away"
	src.summaries[0].LastActivity = base.Add(time.Hour)
	src.comments[1] = append(src.comments[1], domain.Comment{
		ID: 6, TaskID: 1, AuthorID: bob.ID, Author: bob, Body: "while away", CreatedAt: base.Add(time.Hour),
	})
	src.notifications = []domain.Notification{
		{ID: 1, RecipientID: viewer, Type: domain.NotificationCommentAdded, CreatedAt: base.Add(time.Hour)},
	}
	src.mu.Unlock()

	tr.last().drop()
	eventually(t, func() bool {
		snap := s.Snapshot()
		sum, _ := snap.Summary(1)
		return sum.TotalCount == 3 && len(snap.Notifications) == 1 && len(snap.Transcript(1)) == 2
	})

	snap := s.Snapshot()
	sum, _ := snap.Summary(1)
	if sum.LastMessage != "while away" || sum.UnreadCount != 0 {
		t.Fatalf("summary not rebuilt for the open task: %+v", sum)
	}
	if got := ids(snap.Transcript(1)); !slices.Equal(got, []int64{5, 6}) {
		t.Fatalf("unexpected transcript %v", got)
	}
	if snap.UnreadNotifications != 1 {
		t.Fatalf("unread notifications %d, want 1", snap.UnreadNotifications)
	}
}
