package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
	"taskhub/service"
)

type countResponse struct {
	Count int `json:"count"`
}

func listNotifications(notes *service.NotificationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
		limit := 0
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return badRequest(c, "invalid limit")
			}
			limit = n
		}
		list, err := notes.List(c.Request().Context(), currentUser(c).ID, unreadOnly, limit)
		if err != nil {
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.Notification{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func unreadCount(notes *service.NotificationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := notes.UnreadCount(c.Request().Context(), currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, countResponse{Count: n})
	}
}

func markNotificationRead(notes *service.NotificationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid notification id")
		}
		if err := notes.MarkRead(c.Request().Context(), id, currentUser(c).ID); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func markAllNotificationsRead(notes *service.NotificationService) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := notes.MarkAllRead(c.Request().Context(), currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, markedResponse{Marked: n})
	}
}
