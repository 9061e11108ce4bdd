package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/api"
	"taskhub/archive"
	"taskhub/gateway"
	"taskhub/internal/consts"
	"taskhub/service"
	"taskhub/storage"
	"taskhub/subscription"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(envString("DATABASE_PATH", "taskhub.db"), logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	hub := gateway.NewHub(envInt("CONNECTION_BUFFER", gateway.DefaultBuffer), logger)
	var bc gateway.Broadcaster = hub

	var deduper api.Deduper
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		defer rc.Close()
		relay := subscription.NewRelay(rc, envString("BROADCAST_CHANNEL", "taskhub-broadcast"), hub, logger)
		go relay.Run(ctx)
		bc = relay
		deduper = api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))
		log.Info("redis relay enabled")
	}

	var events api.EventLog
	var outbox service.Outbox
	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		if table := os.Getenv("EVENTS_TABLE"); table != "" {
			arch, err := archive.NewEventArchiveFromConnectionString(connStr, table, logger)
			if err != nil {
				log.Fatalf("event archive: %v", err)
			}
			bc = gateway.NewRecording(bc, arch, logger)
			events = arch
		}
		if queue := os.Getenv("NOTIFICATION_QUEUE"); queue != "" {
			q, err := archive.NewNotificationQueueFromConnectionString(connStr, queue)
			if err != nil {
				log.Fatalf("notification queue: %v", err)
			}
			outbox = q
		}
	}

	notes := service.NewNotificationService(store, bc, outbox, logger)
	tasks := service.NewTaskService(store, bc, notes, logger)
	comments := service.NewCommentService(store, bc, notes, logger)

	scanner := service.NewDeadlineScanner(store, notes,
		envDur("DEADLINE_WINDOW", 24*time.Hour), envDur("DEADLINE_INTERVAL", 5*time.Minute), logger)
	go scanner.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, consts.IdempotencyHeader},
	}))

	api.Register(e, api.Server{
		Tasks:         tasks,
		Comments:      comments,
		Notifications: notes,
		Hub:           hub,
		Users:         store,
		Auth:          newAuth(),
		Deduper:       deduper,
		Archive:       events,
		Health:        store,
		Logger:        logger,
		Heartbeat:     envDur("STREAM_HEARTBEAT", 15*time.Second),
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
}

func newAuth() *api.Auth {
	audience := os.Getenv("AUTH0_AUDIENCE")
	if secret := os.Getenv("AUTH_SHARED_SECRET"); secret != "" {
		return api.NewSharedSecretAuth([]byte(secret), audience, os.Getenv("AUTH_ISSUER"))
	}
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/", envDur("JWKS_KEY_TTL", 10*time.Minute))
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", name)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}
