// Package api exposes the task services over HTTP and hosts the server-sent
// events endpoint through which clients receive group broadcasts.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/archive"
	"taskhub/domain"
	"taskhub/gateway"
	"taskhub/internal/consts"
	"taskhub/service"
)

const maxBodySize = 64 << 10

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type taskReader interface {
	Get(ctx context.Context, id int64) (domain.Task, error)
}

// EventLog serves recorded group traffic.
type EventLog interface {
	Recent(ctx context.Context, group string, limit int) ([]archive.ArchivedEvent, error)
}

// Server bundles everything the HTTP surface depends on.
type Server struct {
	Tasks         *service.TaskService
	Comments      *service.CommentService
	Notifications *service.NotificationService
	Hub           *gateway.Hub
	Users         UserLookup
	Auth          Authenticator
	Deduper       Deduper
	Archive       EventLog
	Health        Pinger
	Logger        *log.Logger
	Heartbeat     time.Duration
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, s Server) {
	if s.Logger == nil {
		s.Logger = log.StandardLogger()
	}
	e.Use(Telemetry(s.Logger))
	e.Use(GzipRequestMiddleware())

	e.GET("/healthz", healthz(s.Health))
	e.GET(consts.StreamPath, streamEvents(s.Hub, s.Heartbeat, s.Logger),
		Authenticate(s.Auth, s.Users, consts.StreamTokenParam))

	g := e.Group("/api", Authenticate(s.Auth, s.Users, ""), Idempotent(s.Deduper, s.Logger))

	conns := g.Group("/connections/:conn/groups")
	conns.POST("/tasks/:taskId", taskGroupHandler(s.Hub, s.Tasks, true))
	conns.DELETE("/tasks/:taskId", taskGroupHandler(s.Hub, s.Tasks, false))
	conns.POST("/users/:userId", userGroupHandler(s.Hub, true))
	conns.DELETE("/users/:userId", userGroupHandler(s.Hub, false))

	g.GET("/tasks", listTasks(s.Tasks))
	g.POST("/tasks", createTask(s.Tasks))
	g.GET("/tasks/:id", getTask(s.Tasks))
	g.PATCH("/tasks/:id", updateTask(s.Tasks))
	g.POST("/tasks/:id/assign", assignTask(s.Tasks))
	g.POST("/tasks/:id/accept", acceptTask(s.Tasks))
	g.POST("/tasks/:id/forward", forwardTask(s.Tasks))
	g.POST("/tasks/:id/complete", completeTask(s.Tasks))
	g.POST("/tasks/:id/rate", rateTask(s.Tasks))
	g.POST("/tasks/:id/favorite", toggleFavorite(s.Tasks))
	g.GET("/chats", chatSummaries(s.Tasks))
	if s.Archive != nil {
		g.GET("/tasks/:id/events", taskEvents(s.Tasks, s.Archive))
	}

	g.GET("/tasks/:id/comments", listComments(s.Comments))
	g.POST("/tasks/:id/comments", addComment(s.Comments))
	g.POST("/tasks/:id/comments/read", markCommentsRead(s.Comments))
	g.PATCH("/comments/:id", updateComment(s.Comments))
	g.DELETE("/comments/:id", deleteComment(s.Comments))

	g.GET("/notifications", listNotifications(s.Notifications))
	g.GET("/notifications/unread-count", unreadCount(s.Notifications))
	g.POST("/notifications/read", markAllNotificationsRead(s.Notifications))
	g.POST("/notifications/:id/read", markNotificationRead(s.Notifications))
}

func healthz(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p != nil {
			if err := p.Ping(c.Request().Context()); err != nil {
				c.Logger().Error(err)
				return c.NoContent(http.StatusServiceUnavailable)
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func idParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

// decodeBody reads a JSON body of at most maxBodySize bytes. Unknown fields
// are rejected.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
