// Package reconcile folds gateway events into the projections a client
// renders: one transcript per task, the chat summary list and the
// notification inbox. A single owner goroutine applies every mutation;
// readers take immutable snapshots or subscribe to a stream of diffs.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"taskhub/client"
	"taskhub/domain"
)

const (
	opBuffer   = 256
	diffBuffer = 64
)

var errStopped = errors.New("reconcile: store stopped")

// Source is the source of truth the projections are rebuilt from.
type Source interface {
	ChatSummaries(ctx context.Context) ([]domain.ChatSummary, error)
	Comments(ctx context.Context, taskID int64) ([]domain.Comment, error)
	Notifications(ctx context.Context, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkCommentsRead(ctx context.Context, taskID int64) error
}

// Registrar accepts event handlers and connection state callbacks, typically
// a *client.Manager.
type Registrar interface {
	On(name string, h client.Handler)
	OnStateChange(f func(client.State))
}

// DiffKind names the projection a Diff touched.
type DiffKind string

const (
	TranscriptChanged    DiffKind = "transcript"
	SummariesChanged     DiffKind = "summaries"
	NotificationsChanged DiffKind = "notifications"
	OpenTaskChanged      DiffKind = "open-task"
)

// Diff announces that the projection of Kind changed at Version. TaskID is
// set for transcript and summary changes caused by one task.
type Diff struct {
	Version uint64
	Kind    DiffKind
	TaskID  int64
}

// Store owns the projections for one viewer.
type Store struct {
	viewerID int64
	source   Source
	logger   *log.Logger

	ops     chan func(*state)
	done    chan struct{}
	running atomic.Bool
	current atomic.Pointer[Snapshot]

	// life ends when Run returns; background fetches use it.
	life context.Context
	stop context.CancelFunc

	resyncing   atomic.Bool
	resyncAgain atomic.Bool

	subMu   sync.Mutex
	subs    map[int]chan Diff
	nextSub int

	// rebuild state, touched only by the owner goroutine
	rebuilding   bool
	rebuildAgain bool
}

func NewStore(viewerID int64, source Source, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	life, stop := context.WithCancel(context.Background())
	s := &Store{
		life:     life,
		stop:     stop,
		viewerID: viewerID,
		source:   source,
		logger:   logger,
		ops:      make(chan func(*state), opBuffer),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Diff),
	}
	s.current.Store(&Snapshot{Transcripts: map[int64][]domain.Comment{}})
	return s
}

// Run applies queued mutations until ctx ends. It must be called exactly
// once; Apply and the other mutators block while the queue is full.
func (s *Store) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("reconcile: store already running")
	}
	defer close(s.done)
	defer s.closeSubscribers()
	defer s.stop()

	st := newState(s.viewerID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-s.ops:
			before := st.version
			op(st)
			if st.version != before {
				s.publish(st)
			}
		}
	}
}

// submit queues op for the owner goroutine.
func (s *Store) submit(ctx context.Context, op func(*state)) error {
	select {
	case s.ops <- op:
		return nil
	case <-s.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every mutation queued before it has been applied.
func (s *Store) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	if err := s.submit(ctx, func(*state) { close(applied) }); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-s.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published projections. The returned value is
// shared with other readers and must not be modified.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Subscribe returns a channel of diffs and a function that ends the
// subscription. A subscriber that falls behind loses diffs; it detects the
// gap from Version and re-reads Snapshot.
func (s *Store) Subscribe() (<-chan Diff, func()) {
	ch := make(chan Diff, diffBuffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs == nil {
		close(ch)
	} else {
		s.subs[id] = ch
	}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Store) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

func (s *Store) publish(st *state) {
	snap := st.snapshot()
	s.current.Store(&snap)

	diffs := st.takeDiffs()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, d := range diffs {
		for _, ch := range s.subs {
			select {
			case ch <- d:
			default:
				s.logger.WithFields(log.Fields{"version": d.Version, "kind": d.Kind}).Debug("subscriber behind, diff dropped")
			}
		}
	}
}

// Attach registers the store's handlers for every event family it folds and
// resyncs the projections each time the connection becomes Connected, so
// changes committed while it was down are picked up.
func (s *Store) Attach(r Registrar) {
	r.OnStateChange(func(st client.State) {
		if st == client.Connected {
			s.scheduleResync()
		}
	})
	for _, name := range []string{
		domain.EventNewComment,
		domain.EventCommentUpdated,
		domain.EventCommentDeleted,
		domain.EventNewNotification,
		domain.EventTaskUpdated,
	} {
		r.On(name, s.Apply)
	}
}

// Apply folds ev into the projections. It never blocks: when the queue is
// full the event is dropped and a resync is scheduled instead.
func (s *Store) Apply(ev domain.Event) {
	op := func(st *state) {
		if st.apply(ev) {
			s.requestRebuild(st)
		}
	}
	select {
	case s.ops <- op:
	case <-s.done:
		s.logger.WithField("event", ev.EventName()).Debug("event not applied, store stopped")
	default:
		s.logger.WithField("event", ev.EventName()).Warn("event queue full; dropping event and resyncing")
		s.scheduleResync()
	}
}

// Load replaces the summary list and the notification inbox with the
// source's current view. Changes applied while the fetch is in flight are
// kept.
func (s *Store) Load(ctx context.Context) error {
	mark, err := s.beginFetch(ctx)
	if err != nil {
		return err
	}
	summaries, err := s.source.ChatSummaries(ctx)
	if err != nil {
		s.abortFetch()
		return err
	}
	notes, err := s.source.Notifications(ctx, false, 0)
	if err != nil {
		s.abortFetch()
		return err
	}
	err = s.submit(ctx, func(st *state) {
		st.replaceSummaries(summaries, mark)
		st.replaceNotifications(notes, mark)
		st.endFetch()
	})
	if err != nil {
		s.abortFetch()
	}
	return err
}

// Resync reloads the summary list and the inbox and merges the open task's
// transcript with the source.
func (s *Store) Resync(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	taskID := s.Snapshot().OpenTaskID
	if taskID == 0 {
		return nil
	}
	comments, err := s.source.Comments(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.source.MarkCommentsRead(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task", taskID).Warn("mark comments read failed")
	}
	return s.submit(ctx, func(st *state) {
		st.refreshOpen(taskID, comments)
	})
}

// scheduleResync runs Resync in the background. Requests made while one is
// running are folded into a single follow-up run.
func (s *Store) scheduleResync() {
	if !s.resyncing.CompareAndSwap(false, true) {
		s.resyncAgain.Store(true)
		return
	}
	go func() {
		for {
			s.resyncAgain.Store(false)
			if err := s.Resync(s.life); err != nil && s.life.Err() == nil {
				s.logger.WithError(err).Warn("resync failed")
			}
			s.resyncing.Store(false)
			if !s.resyncAgain.Load() || !s.resyncing.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// beginFetch opens a fetch window on the owner goroutine and returns its
// mark. Once the window is queued it waits for it regardless of ctx, so the
// window is always closed by the caller.
func (s *Store) beginFetch(ctx context.Context) (uint64, error) {
	marks := make(chan uint64, 1)
	if err := s.submit(ctx, func(st *state) { marks <- st.beginFetch() }); err != nil {
		return 0, err
	}
	select {
	case mark := <-marks:
		return mark, nil
	case <-s.done:
		return 0, errStopped
	}
}

func (s *Store) abortFetch() {
	_ = s.submit(s.life, func(st *state) { st.endFetch() })
}

// OpenTask loads the task's transcript, marks it read and makes it the task
// the viewer is looking at, so its comments no longer count as unread.
func (s *Store) OpenTask(ctx context.Context, taskID int64) error {
	comments, err := s.source.Comments(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.source.MarkCommentsRead(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task", taskID).Warn("mark comments read failed")
	}
	return s.submit(ctx, func(st *state) {
		st.open(taskID, comments)
	})
}

// CloseTask clears the open task.
func (s *Store) CloseTask(ctx context.Context) error {
	return s.submit(ctx, func(st *state) { st.close() })
}

// requestRebuild refetches the summary list off the owner goroutine. A
// request that arrives while a fetch is in flight schedules one more fetch so
// the result covers every comment seen so far.
func (s *Store) requestRebuild(st *state) {
	if s.rebuilding {
		s.rebuildAgain = true
		return
	}
	s.rebuilding = true
	mark := st.beginFetch()
	go func() {
		summaries, err := s.source.ChatSummaries(s.life)
		_ = s.submit(s.life, func(st *state) {
			s.rebuilding = false
			if err != nil {
				s.logger.WithError(err).Warn("chat summary rebuild failed")
			} else {
				st.replaceSummaries(summaries, mark)
			}
			st.endFetch()
			if s.rebuildAgain {
				s.rebuildAgain = false
				s.requestRebuild(st)
			}
		})
	}()
}
