// Package client keeps a gateway connection alive for one user: it restores
// the transport after outages, re-joins every group the user had joined and
// dispatches typed events to registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// State is the connection manager's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const closeTimeout = 5 * time.Second

var errNotConnected = errors.New("not connected")

// ReconnectPolicy controls transport restoration. MaxAttempts 0 retries
// until Stop.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy backs off from 1s up to 30s without a ceiling.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Initial: time.Second, Max: 30 * time.Second}
}

// Handler receives a decoded event.
type Handler func(domain.Event)

// Manager owns one user's gateway connection.
type Manager struct {
	transport Transport
	policy    ReconnectPolicy
	logger    *log.Logger

	// seq serializes Start and Stop.
	seq sync.Mutex

	mu       sync.Mutex
	state    State
	userID   int64
	session  Session
	tasks    map[int64]struct{}
	handlers map[string][]Handler
	onState  []func(State)
	onError  []func(error)
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewManager(transport Transport, policy ReconnectPolicy, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		transport: transport,
		policy:    policy,
		logger:    logger,
		tasks:     make(map[int64]struct{}),
		handlers:  make(map[string][]Handler),
	}
}

// On registers h for events named name. Registrations survive reconnects
// and restarts.
func (m *Manager) On(name string, h Handler) {
	m.mu.Lock()
	m.handlers[name] = append(m.handlers[name], h)
	m.mu.Unlock()
}

// OnStateChange registers a callback for state transitions. Callbacks run on
// the manager's goroutines and must not call Start or Stop.
func (m *Manager) OnStateChange(f func(State)) {
	m.mu.Lock()
	m.onState = append(m.onState, f)
	m.mu.Unlock()
}

// OnError registers a callback for connection-level errors. Errors are
// wrapped in domain.ErrTransport.
func (m *Manager) OnError(f func(error)) {
	m.mu.Lock()
	m.onError = append(m.onError, f)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the current session's id, or "" when there is none.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ConnectionID()
}

// Groups returns the group keys the manager keeps joined, sorted.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tasks)+1)
	if m.state != Disconnected && m.userID != 0 {
		out = append(out, domain.UserGroup(m.userID))
	}
	for id := range m.tasks {
		out = append(out, domain.TaskGroup(id))
	}
	sort.Strings(out)
	return out
}

// Start stops any previous session, connects as userID and joins the user's
// own group.
func (m *Manager) Start(ctx context.Context, userID int64) error {
	m.seq.Lock()
	defer m.seq.Unlock()
	if err := m.stopLocked(ctx); err != nil {
		m.logger.WithError(err).Debug("previous session did not stop cleanly")
	}

	m.setState(Connecting)
	sess, err := m.transport.Open(ctx, userID)
	if err != nil {
		err = domain.Transport("start", err)
		m.setState(Disconnected)
		m.emitError(err)
		return err
	}
	if err := sess.JoinUserGroup(ctx, userID); err != nil {
		_ = sess.Close()
		err = domain.Transport("join user group", err)
		m.setState(Disconnected)
		m.emitError(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.userID = userID
	m.session = sess
	m.cancel = cancel
	m.loopDone = done
	m.mu.Unlock()
	m.setState(Connected)
	m.logger.WithFields(log.Fields{"user": userID, "connection": sess.ConnectionID()}).Info("connected")

	go m.run(loopCtx, userID, sess, done)
	return nil
}

// Stop leaves every joined group, closes the transport and forgets the group
// set. It is safe to call at any time, including during a reconnect.
func (m *Manager) Stop(ctx context.Context) error {
	m.seq.Lock()
	defer m.seq.Unlock()
	return m.stopLocked(ctx)
}

// Close stops with a bounded deadline.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return m.Stop(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	sess, userID := m.session, m.userID
	tasks := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		tasks = append(tasks, id)
	}
	m.session = nil
	m.tasks = make(map[int64]struct{})
	m.mu.Unlock()

	if sess == nil {
		m.setState(Disconnected)
		return nil
	}

	var wg sync.WaitGroup
	for _, id := range tasks {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := sess.LeaveTaskGroup(ctx, id); err != nil {
				m.logger.WithError(err).WithField("task", id).Debug("leave task group failed")
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.LeaveUserGroup(ctx, userID); err != nil {
			m.logger.WithError(err).WithField("user", userID).Debug("leave user group failed")
		}
	}()
	wg.Wait()

	err := sess.Close()
	m.setState(Disconnected)
	m.logger.WithField("user", userID).Info("disconnected")
	if err != nil {
		return domain.Transport("stop", err)
	}
	return nil
}

// JoinTaskGroup subscribes to a task's events. Joining a task that is
// already in the set is a no-op.
func (m *Manager) JoinTaskGroup(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	if _, ok := m.tasks[taskID]; ok {
		m.mu.Unlock()
		return nil
	}
	sess, state := m.session, m.state
	if sess == nil || state != Connected {
		m.mu.Unlock()
		return domain.Transport("join task group", errNotConnected)
	}
	m.tasks[taskID] = struct{}{}
	m.mu.Unlock()

	if err := sess.JoinTaskGroup(ctx, taskID); err != nil {
		m.mu.Lock()
		delete(m.tasks, taskID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// LeaveTaskGroup removes the task from the set and unsubscribes when
// connected.
func (m *Manager) LeaveTaskGroup(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	_, ok := m.tasks[taskID]
	delete(m.tasks, taskID)
	sess, state := m.session, m.state
	m.mu.Unlock()
	if !ok || sess == nil || state != Connected {
		return nil
	}
	return sess.LeaveTaskGroup(ctx, taskID)
}

func (m *Manager) run(ctx context.Context, userID int64, sess Session, done chan struct{}) {
	defer close(done)
	for {
		m.pump(ctx, sess)
		if ctx.Err() != nil {
			return
		}
		cause := sess.Err()
		if cause == nil {
			cause = errors.New("stream ended")
		}
		_ = sess.Close()
		m.mu.Lock()
		if m.session == sess {
			m.session = nil
		}
		m.mu.Unlock()
		m.logger.WithError(cause).WithField("user", userID).Warn("connection lost")
		m.setState(Reconnecting)
		m.emitError(domain.Transport("connection lost", cause))

		sess = m.reconnect(ctx, userID)
		if sess == nil {
			return
		}
	}
}

func (m *Manager) pump(ctx context.Context, sess Session) {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(msg)
		}
	}
}

// dispatch decodes msg once and hands the typed event to every handler.
func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers[msg.Event]...)
	m.mu.Unlock()
	if len(hs) == 0 {
		return
	}
	ev, err := domain.Decode(msg.Event, msg.Data)
	if err != nil {
		m.logger.WithError(err).WithField("event", msg.Event).Warn("dropping undecodable event")
		return
	}
	for _, h := range hs {
		m.safeCall(msg.Event, h, ev)
	}
}

func (m *Manager) safeCall(name string, h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(log.Fields{"event": name, "panic": r}).Error("event handler panicked")
		}
	}()
	h(ev)
}

// reconnect restores the transport and re-joins the user group and every
// task group in the set. It returns nil when ctx ends or attempts run out.
func (m *Manager) reconnect(ctx context.Context, userID int64) Session {
	for attempt := 1; ; attempt++ {
		if m.policy.MaxAttempts > 0 && attempt > m.policy.MaxAttempts {
			m.mu.Lock()
			m.session = nil
			m.mu.Unlock()
			m.setState(Disconnected)
			m.emitError(domain.Transport("reconnect", fmt.Errorf("gave up after %d attempts", m.policy.MaxAttempts)))
			return nil
		}
		if err := sleepCtx(ctx, exponentialBackoff(attempt, m.policy.Initial, m.policy.Max)); err != nil {
			return nil
		}
		sess, err := m.transport.Open(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.WithError(err).WithField("attempt", attempt).Debug("reconnect attempt failed")
			m.emitError(domain.Transport("reconnect", err))
			continue
		}
		m.mu.Lock()
		m.session = sess
		m.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}

		joined := m.rejoin(ctx, userID, sess)
		if ctx.Err() != nil {
			return nil
		}
		m.settle(ctx, sess, joined)
		m.logger.WithFields(log.Fields{"user": userID, "connection": sess.ConnectionID(), "attempt": attempt}).Info("reconnected")
		return sess
	}
}

// rejoin joins all groups in parallel and waits for every join. Failures are
// reported and leave the set untouched. It returns the task ids it joined.
func (m *Manager) rejoin(ctx context.Context, userID int64, sess Session) []int64 {
	m.mu.Lock()
	tasks := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		tasks = append(tasks, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.JoinUserGroup(ctx, userID); err != nil && ctx.Err() == nil {
			m.emitError(domain.Transport("rejoin user group", err))
		}
	}()
	for _, id := range tasks {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := sess.JoinTaskGroup(ctx, id); err != nil && ctx.Err() == nil {
				m.emitError(domain.Transport(fmt.Sprintf("rejoin task group %d", id), err))
			}
		}(id)
	}
	wg.Wait()
	return tasks
}

// settle leaves the task groups removed from the set while rejoin ran, then
// declares the session Connected. The final check and the state change share
// one critical section, so a later LeaveTaskGroup sees Connected and leaves
// on the session itself.
func (m *Manager) settle(ctx context.Context, sess Session, joined []int64) {
	for {
		m.mu.Lock()
		var stale []int64
		for _, id := range joined {
			if _, ok := m.tasks[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			fs := m.setStateLocked(Connected)
			m.mu.Unlock()
			notify(fs, Connected)
			return
		}
		m.mu.Unlock()

		for _, id := range stale {
			if err := sess.LeaveTaskGroup(ctx, id); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).WithField("task", id).Debug("leave task group failed")
			}
		}
		joined = slices.DeleteFunc(joined, func(id int64) bool { return slices.Contains(stale, id) })
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	fs := m.setStateLocked(s)
	m.mu.Unlock()
	notify(fs, s)
}

// setStateLocked records s and returns the callbacks to run once m.mu is
// released. It returns nil when the state did not change.
func (m *Manager) setStateLocked(s State) []func(State) {
	if m.state == s {
		return nil
	}
	m.state = s
	return slices.Clone(m.onState)
}

func notify(fs []func(State), s State) {
	for _, f := range fs {
		f(s)
	}
}

func (m *Manager) emitError(err error) {
	m.mu.Lock()
	fs := slices.Clone(m.onError)
	m.mu.Unlock()
	for _, f := range fs {
		f(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
