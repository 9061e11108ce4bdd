package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/gateway"
	"taskhub/internal/consts"
)

const defaultHeartbeat = 25 * time.Second

// streamEvents registers the caller as a hub connection and writes its frames
// as server-sent events until the client goes away or the hub drops it.
func streamEvents(hub *gateway.Hub, heartbeat time.Duration, logger *log.Logger) echo.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(c echo.Context) error {
		user := currentUser(c)
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		conn := hub.Register(user.ID)
		defer hub.Unregister(conn.ID)
		entry := logger.WithFields(log.Fields{"connection": conn.ID, "user": user.ID})
		entry.Debug("stream opened")

		hello, err := domain.Encode(domain.Connected{ConnectionID: conn.ID})
		if err != nil {
			return err
		}
		res.WriteHeader(http.StatusOK)
		if err := writeFrame(res, gateway.Frame{Event: domain.EventConnected, Data: hello}); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				entry.Debug("stream closed by client")
				return nil
			case <-conn.Done():
				entry.Warn("stream dropped by hub")
				return nil
			case f := <-conn.Frames():
				if err := writeFrame(res, f); err != nil {
					entry.WithError(err).Debug("stream write failed")
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := res.Write([]byte(consts.SSEHeartbeat)); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f gateway.Frame) error {
	buf := make([]byte, 0, len(consts.SSEEventPrefix)+len(f.Event)+len(consts.SSEDataPrefix)+len(f.Data)+3)
	buf = append(buf, consts.SSEEventPrefix...)
	buf = append(buf, f.Event...)
	buf = append(buf, '\n')
	buf = append(buf, consts.SSEDataPrefix...)
	buf = append(buf, f.Data...)
	buf = append(buf, '\n', '\n')
	_, err := w.Write(buf)
	return err
}

type groupsResponse struct {
	ConnectionID string   `json:"connectionId"`
	Groups       []string `json:"groups"`
}

// ownConnection loads the connection named in the path and checks that it
// belongs to the caller.
func ownConnection(c echo.Context, hub *gateway.Hub) (*gateway.Connection, error) {
	const op = "connection groups"
	id := c.Param("conn")
	conn, ok := hub.Connection(id)
	if !ok {
		return nil, domain.NotFound(op, "connection", id)
	}
	if conn.UserID != currentUser(c).ID {
		return nil, domain.Unauthorized(op, "connection belongs to another user")
	}
	return conn, nil
}

func taskGroupHandler(hub *gateway.Hub, tasks taskReader, join bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := ownConnection(c, hub)
		if err != nil {
			return writeError(c, err)
		}
		taskID, err := idParam(c, "taskId")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		if join {
			if _, err := tasks.Get(c.Request().Context(), taskID); err != nil {
				return writeError(c, err)
			}
			err = hub.JoinTaskGroup(conn.ID, taskID)
		} else {
			err = hub.LeaveTaskGroup(conn.ID, taskID)
		}
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, groupsResponse{ConnectionID: conn.ID, Groups: hub.Groups(conn.ID)})
	}
}

func userGroupHandler(hub *gateway.Hub, join bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := ownConnection(c, hub)
		if err != nil {
			return writeError(c, err)
		}
		userID, err := idParam(c, "userId")
		if err != nil {
			return badRequest(c, "invalid user id")
		}
		if userID != conn.UserID {
			return writeError(c, domain.Unauthorized("join user group", "a connection may only join its own user group"))
		}
		if join {
			err = hub.JoinUserGroup(conn.ID, userID)
		} else {
			err = hub.LeaveUserGroup(conn.ID, userID)
		}
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, groupsResponse{ConnectionID: conn.ID, Groups: hub.Groups(conn.ID)})
	}
}
