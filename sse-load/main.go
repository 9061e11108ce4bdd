package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskhub/client"
	"taskhub/domain"
)

type credential struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

type counters struct {
	events   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func main() {
	baseURL := getenv("GATEWAY_URL", "http://localhost:8080")
	tokensFile := getenv("TOKENS_FILE", "tokens.json")
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	tasks := parseIDs(os.Getenv("TASK_IDS"))

	creds, err := loadCredentials(tokensFile)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	var c counters
	hc := &http.Client{}

	var wg sync.WaitGroup
	for _, cred := range creds {
		wg.Add(1)
		go func(cred credential) {
			defer wg.Done()
			follow(ctx, baseURL, hc, cred, tasks, logger, &c)
		}(cred)
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts, failures, events := c.attempts.Load(), c.failures.Load(), c.events.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d\n", len(creds), int(duration.Seconds()), events, failures)
	if events == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// follow keeps one user's manager connected for the run and counts what it
// receives.
func follow(ctx context.Context, baseURL string, hc *http.Client, cred credential, tasks []int64, logger *log.Logger, c *counters) {
	tr := client.NewSSETransport(baseURL, cred.Token, hc, logger)
	m := client.NewManager(tr, client.ReconnectPolicy{Initial: time.Second, Max: 5 * time.Second}, logger)
	defer m.Close()

	count := func(domain.Event) { c.events.Add(1) }
	for _, name := range []string{domain.EventNewComment, domain.EventCommentUpdated, domain.EventCommentDeleted, domain.EventNewNotification, domain.EventTaskUpdated} {
		m.On(name, count)
	}
	m.OnStateChange(func(s client.State) {
		if s == client.Connecting || s == client.Reconnecting {
			c.attempts.Add(1)
		}
	})
	m.OnError(func(error) { c.failures.Add(1) })

	backoff := time.Second
	for ctx.Err() == nil {
		if err := m.Start(ctx, cred.UserID); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		break
	}
	if ctx.Err() != nil {
		return
	}
	for _, id := range tasks {
		if err := m.JoinTaskGroup(ctx, id); err != nil {
			logger.WithError(err).WithFields(log.Fields{"user": cred.UserID, "task": id}).Warn("join failed")
		}
	}
	<-ctx.Done()
}

func loadCredentials(path string) ([]credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds []credential
	if err := sonic.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%s holds no tokens", path)
	}
	return creds, nil
}

func parseIDs(s string) []int64 {
	var out []int64
	for _, f := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64); err == nil && id > 0 {
			out = append(out, id)
		}
	}
	return out
}
