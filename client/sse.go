package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/internal/consts"
)

const sessionBuffer = 64

// SSETransport opens server-sent event streams against a gateway and issues
// group operations over its HTTP API.
type SSETransport struct {
	caller
	logger *log.Logger
}

// NewSSETransport targets the gateway at baseURL and authenticates with token.
// hc must not carry a client-wide timeout since streams are long lived.
func NewSSETransport(baseURL, token string, hc *http.Client, logger *log.Logger) *SSETransport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SSETransport{caller: newCaller(baseURL, token, hc), logger: logger}
}

// Open connects the stream and waits for the connected frame carrying the
// connection id.
func (t *SSETransport) Open(ctx context.Context, userID int64) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := t.newRequest(streamCtx, http.MethodGet, consts.StreamPath, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// ctx bounds the handshake only; the stream lives until Close.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.hc.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		stop()
		cancel()
		return nil, responseError("open stream", resp)
	}

	r := newFrameReader(resp.Body)
	first, err := r.next()
	if err == nil && first.Event != domain.EventConnected {
		err = fmt.Errorf("expected %s frame, got %q", domain.EventConnected, first.Event)
	}
	var hello domain.Connected
	if err == nil {
		err = sonic.Unmarshal(first.Data, &hello)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	s := &sseSession{
		caller: t.caller,
		id:     hello.ConnectionID,
		userID: userID,
		body:   resp.Body,
		cancel: cancel,
		events: make(chan Message, sessionBuffer),
		done:   make(chan struct{}),
		logger: t.logger.WithField("connection", hello.ConnectionID),
	}
	go s.read(r)
	return s, nil
}

type sseSession struct {
	caller
	id     string
	userID int64
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Message
	done   chan struct{}
	logger *log.Entry

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *sseSession) ConnectionID() string   { return s.id }
func (s *sseSession) Events() <-chan Message { return s.events }

func (s *sseSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sseSession) read(r *frameReader) {
	defer close(s.done)
	defer close(s.events)
	for {
		msg, err := r.next()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		s.events <- msg
	}
}

func (s *sseSession) groupPath(kind string, id int64) string {
	return fmt.Sprintf("%s/%s/groups/%s/%d", consts.ConnectionsPath, s.id, kind, id)
}

func (s *sseSession) JoinTaskGroup(ctx context.Context, taskID int64) error {
	return s.call(ctx, http.MethodPost, s.groupPath("tasks", taskID), nil, nil)
}

func (s *sseSession) LeaveTaskGroup(ctx context.Context, taskID int64) error {
	return s.call(ctx, http.MethodDelete, s.groupPath("tasks", taskID), nil, nil)
}

func (s *sseSession) JoinUserGroup(ctx context.Context, userID int64) error {
	return s.call(ctx, http.MethodPost, s.groupPath("users", userID), nil, nil)
}

func (s *sseSession) LeaveUserGroup(ctx context.Context, userID int64) error {
	return s.call(ctx, http.MethodDelete, s.groupPath("users", userID), nil, nil)
}

// Close ends the stream. It may be called more than once.
func (s *sseSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	err := s.body.Close()
	// drain so the reader is not stuck on a full channel
	go func() {
		for range s.events {
		}
	}()
	<-s.done
	s.logger.Debug("stream closed")
	return err
}

// frameReader parses the text/event-stream format. Comment lines are
// skipped; multiple data lines are joined with newlines.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (f *frameReader) next() (Message, error) {
	var (
		msg  Message
		data []string
	)
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if msg.Event == "" && len(data) == 0 {
				continue
			}
			msg.Data = []byte(strings.Join(data, "\n"))
			return msg, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, strings.TrimSpace(consts.SSEEventPrefix)):
			msg.Event = strings.TrimSpace(strings.TrimPrefix(line, strings.TrimSpace(consts.SSEEventPrefix)))
		case strings.HasPrefix(line, strings.TrimSpace(consts.SSEDataPrefix)):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, strings.TrimSpace(consts.SSEDataPrefix)), " "))
		}
	}
}
