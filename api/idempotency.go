package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/internal/consts"
)

// Deduper remembers idempotency keys per user.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper stores processed idempotency keys in Redis so all gateway
// instances reject the same mutation twice.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

// Idempotent rejects a repeated Idempotency-Key on mutating requests with 409.
// The key is released again when the request fails, so a corrected retry
// goes through. Deduper outages let requests pass.
func Idempotent(d Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(consts.IdempotencyHeader)
			user := currentUser(c)
			if d == nil || key == "" || user == nil || !mutating(c.Request().Method) {
				return next(c)
			}
			ctx := c.Request().Context()
			uid := strconv.FormatInt(user.ID, 10)
			added, err := d.Add(ctx, uid, key)
			if err != nil {
				logger.WithError(err).WithField("user", user.ID).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				if m := telemetryFrom(c); m != nil {
					m.SetErrorStage("duplicate")
				}
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}
			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				if rerr := d.Remove(context.WithoutCancel(ctx), uid, key); rerr != nil {
					logger.WithError(rerr).WithField("user", user.ID).Warn("idempotency release failed")
				}
			}
			return err
		}
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
