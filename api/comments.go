package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
	"taskhub/service"
)

type editCommentRequest struct {
	Body string `json:"body"`
}

type markedResponse struct {
	Marked int `json:"marked"`
}

func listComments(comments *service.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		taskID, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		list, err := comments.List(c.Request().Context(), taskID, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.Comment{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func addComment(comments *service.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		taskID, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		var in service.NewComment
		if err := decodeBody(c, &in); err != nil {
			return badRequest(c, "invalid body")
		}
		cm, err := comments.Add(c.Request().Context(), taskID, currentUser(c).ID, in)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, cm)
	}
}

func markCommentsRead(comments *service.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		taskID, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid task id")
		}
		n, err := comments.MarkRead(c.Request().Context(), taskID, currentUser(c).ID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, markedResponse{Marked: n})
	}
}

func updateComment(comments *service.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid comment id")
		}
		var req editCommentRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		cm, err := comments.Update(c.Request().Context(), id, currentUser(c).ID, req.Body)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, cm)
	}
}

func deleteComment(comments *service.CommentService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c, "id")
		if err != nil {
			return badRequest(c, "invalid comment id")
		}
		if err := comments.Delete(c.Request().Context(), id, currentUser(c).ID); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
