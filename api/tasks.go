package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
	"taskhub/service"
)

type userRequest struct {
	UserID int64 `json:"userId"`
}

type rateRequest struct {
	Rating int `json:"rating"`
}

type favoriteResponse struct {
	TaskID     int64 `json:"taskId"`
	IsFavorite bool  `json:"isFavorite"`
}

func listTasks(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.List(c.Request().Context(), currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.Task{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func createTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in service.NewTask
		if err := decodeBody(c, &in); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.Create(c.Request().Context(), currentUser(c).ID, in)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

func getTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		t, err := tasks.Get(c.Request().Context(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func updateTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.Update(c.Request().Context(), id, currentUser(c).ID, patch)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func assignTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		var req userRequest
		if err := decodeBody(c, &req); err != nil || req.UserID == 0 {
			return badRequest(c, "userId is required")
		}
		t, err := tasks.Assign(c.Request().Context(), id, req.UserID, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func acceptTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		t, err := tasks.Accept(c.Request().Context(), id, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func forwardTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		var req userRequest
		if err := decodeBody(c, &req); err != nil || req.UserID == 0 {
			return badRequest(c, "userId is required")
		}
		t, err := tasks.Forward(c.Request().Context(), id, req.UserID, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func completeTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		t, err := tasks.Complete(c.Request().Context(), id, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func rateTask(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		var req rateRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		t, err := tasks.Rate(c.Request().Context(), id, currentUser(c).ID, req.Rating)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func toggleFavorite(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		fav, err := tasks.ToggleFavorite(c.Request().Context(), currentUser(c).ID, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, favoriteResponse{TaskID: id, IsFavorite: fav})
	}
}

func chatSummaries(tasks *service.TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.ChatSummaries(c.Request().Context(), currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.ChatSummary{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func taskEvents(tasks taskReader, events EventLog) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
				return badRequest(c, "invalid limit")
			}
		}
		if _, err := tasks.Get(c.Request().Context(), id); err != nil {
			return writeError(c, err)
		}
		list, err := events.Recent(c.Request().Context(), domain.TaskGroup(id), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, list)
	}
}
