package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskhub/domain"
)

// DefaultBuffer is the per-connection frame queue length.
const DefaultBuffer = 64

// Frame is one encoded event ready to be written to a stream.
type Frame struct {
	Event string
	Data  []byte
}

// Broadcaster delivers events to every member of a group.
type Broadcaster interface {
	Publish(ctx context.Context, group string, ev domain.Event) error
}

// Connection is a live client stream registered with the hub.
type Connection struct {
	ID     string
	UserID int64

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	// guarded by Hub.mu
	groups map[string]struct{}
}

// Frames yields the frames queued for this connection in delivery order.
func (c *Connection) Frames() <-chan Frame { return c.frames }

// Done is closed once the hub dropped the connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks connections and their group memberships and fans events out to
// them. Deliveries to a group happen under one lock, so every member sees
// events in the same order they were published.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	groups map[string]map[string]*Connection

	buffer int
	logger *log.Logger
	tracer trace.Tracer
}

// NewHub creates an empty hub. buffer bounds each connection's queue; a
// connection whose queue overflows is dropped.
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		conns:  make(map[string]*Connection),
		groups: make(map[string]map[string]*Connection),
		buffer: buffer,
		logger: logger,
		tracer: otel.Tracer("taskhub/gateway"),
	}
}

// Register adds a connection for userID under a fresh connection id.
func (h *Hub) Register(userID int64) *Connection {
	c := &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		frames: make(chan Frame, h.buffer),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.logger.WithFields(log.Fields{"connection": c.ID, "user": userID}).Debug("connection registered")
	return c
}

// Unregister drops the connection and removes it from every group.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	if ok {
		h.logger.WithFields(log.Fields{"connection": id, "user": c.UserID}).Debug("connection unregistered")
	}
}

// DropAll drops every connection and returns how many there were. Clients
// reconnect and reload what they may have missed.
func (h *Hub) DropAll() int {
	h.mu.Lock()
	n := len(h.conns)
	for _, c := range h.conns {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	if n > 0 {
		h.logger.WithField("connections", n).Warn("dropped every connection")
	}
	return n
}

func (h *Hub) dropLocked(c *Connection) {
	for g := range c.groups {
		h.removeMemberLocked(g, c.ID)
	}
	c.groups = map[string]struct{}{}
	delete(h.conns, c.ID)
	c.close()
}

func (h *Hub) removeMemberLocked(group, connID string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Connection looks up a registered connection.
func (h *Hub) Connection(id string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// Join adds the connection to group. Joining twice is a no-op.
func (h *Hub) Join(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return domain.NotFound("join group", "connection", connID)
	}
	c.groups[group] = struct{}{}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		h.groups[group] = members
	}
	members[connID] = c
	return nil
}

// Leave removes the connection from group. Leaving a group the connection is
// not in is a no-op.
func (h *Hub) Leave(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return domain.NotFound("leave group", "connection", connID)
	}
	delete(c.groups, group)
	h.removeMemberLocked(group, connID)
	return nil
}

func (h *Hub) JoinTaskGroup(connID string, taskID int64) error {
	return h.Join(connID, domain.TaskGroup(taskID))
}

func (h *Hub) LeaveTaskGroup(connID string, taskID int64) error {
	return h.Leave(connID, domain.TaskGroup(taskID))
}

func (h *Hub) JoinUserGroup(connID string, userID int64) error {
	return h.Join(connID, domain.UserGroup(userID))
}

func (h *Hub) LeaveUserGroup(connID string, userID int64) error {
	return h.Leave(connID, domain.UserGroup(userID))
}

// Groups lists the connection's groups in sorted order.
func (h *Hub) Groups(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Members returns the number of connections in group.
func (h *Hub) Members(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[group])
}

// Publish encodes ev once and delivers it to every member of group. An empty
// group is not an error.
func (h *Hub) Publish(ctx context.Context, group string, ev domain.Event) error {
	_, span := h.tracer.Start(ctx, "gateway.publish", trace.WithAttributes(
		attribute.String("taskhub.group", group),
		attribute.String("taskhub.event", ev.EventName()),
	))
	defer span.End()

	data, err := domain.Encode(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	n := h.Deliver(group, Frame{Event: ev.EventName(), Data: data})
	span.SetAttributes(attribute.Int("taskhub.delivered", n))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Deliver queues an already encoded frame for every member of group and
// returns how many connections received it.
func (h *Hub) Deliver(group string, f Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	delivered := 0
	var slow []*Connection
	for _, c := range members {
		select {
		case c.frames <- f:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.logger.WithFields(log.Fields{"connection": c.ID, "user": c.UserID, "group": group}).
			Warn("connection queue full; dropping connection")
		h.dropLocked(c)
	}
	return delivered
}
