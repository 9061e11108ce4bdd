package api

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
)

const userContextKey = "taskhub.user"

// UserLookup resolves the account behind a token subject.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetUserByName(ctx context.Context, username string) (domain.User, error)
}

// Authenticate validates the bearer token, resolves the subject to an active
// account and stores it on the context. The subject is either a numeric user
// id or a username. tokenParam names a query parameter accepted in place of
// the header.
func Authenticate(auth Authenticator, users UserLookup, tokenParam string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, err := auth.UserIDFromAuthHeader(authHeader(c.Request(), tokenParam))
			if err != nil {
				if m := telemetryFrom(c); m != nil {
					m.SetErrorStage("auth")
				}
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			user, err := resolveSubject(c.Request().Context(), users, sub)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unknown user"})
				}
				return writeError(c, err)
			}
			if !user.IsActive {
				return c.JSON(http.StatusForbidden, errorResponse{Error: domain.UserMessage(domain.Inactive("authenticate", user.ID))})
			}
			if m := telemetryFrom(c); m != nil {
				m.SetUser(user.ID)
			}
			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

func resolveSubject(ctx context.Context, users UserLookup, sub string) (domain.User, error) {
	if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
		return users.GetUser(ctx, id)
	}
	return users.GetUserByName(ctx, sub)
}

// currentUser returns the account stored by Authenticate.
func currentUser(c echo.Context) *domain.User {
	u, ok := c.Get(userContextKey).(domain.User)
	if !ok {
		return nil
	}
	return &u
}

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &gzipReadCloser{Reader: gr, body: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
