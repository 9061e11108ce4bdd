package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskhub/archive"
	"taskhub/domain"
	"taskhub/gateway"
	"taskhub/service"
	"taskhub/storage"
)

var testSecret = []byte("test-secret")

type testServer struct {
	e     *echo.Echo
	store *storage.Store
	hub   *gateway.Hub
	alice domain.User
	bob   domain.User
	hook  *test.Hook
}

func newTestServer(t *testing.T, deduper Deduper) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	st, err := storage.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := gateway.NewHub(gateway.DefaultBuffer, logger)
	notes := service.NewNotificationService(st, hub, nil, logger)
	tasks := service.NewTaskService(st, hub, notes, logger)
	comments := service.NewCommentService(st, hub, notes, logger)

	e := echo.New()
	Register(e, Server{
		Tasks:         tasks,
		Comments:      comments,
		Notifications: notes,
		Hub:           hub,
		Users:         st,
		Auth:          NewSharedSecretAuth(testSecret, "", ""),
		Deduper:       deduper,
		Health:        st,
		Logger:        logger,
		Heartbeat:     time.Hour,
	})

	ts := &testServer{e: e, store: st, hub: hub, hook: hook}
	ts.alice = ts.user(t, "alice", true)
	ts.bob = ts.user(t, "bob", true)
	return ts
}

func (ts *testServer) user(t *testing.T, name string, active bool) domain.User {
	t.Helper()
	u, err := ts.store.CreateUser(context.Background(), domain.User{Username: name, FirstName: name, IsActive: active})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "exp": exp.Unix()})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func bearer(t *testing.T, u domain.User) string {
	return "Bearer " + signToken(t, fmt.Sprint(u.ID), time.Now().Add(time.Hour))
}

func (ts *testServer) do(t *testing.T, method, path string, as *domain.User, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if as != nil {
		req.Header.Set(echo.HeaderAuthorization, bearer(t, *as))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuthUserIDFromAuthHeader(t *testing.T) {
	auth := NewSharedSecretAuth(testSecret, "", "")
	valid := signToken(t, "42", time.Now().Add(time.Hour))
	expired := signToken(t, "42", time.Now().Add(-time.Hour))
	other, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42", "exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("other"))

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer " + valid, want: "42"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "scheme", header: "Basic " + valid, wantErr: errBadAuthorization},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrongSecret", header: "Bearer " + other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.UserIDFromAuthHeader(tt.header)
			if tt.want != "" {
				if err != nil || got != tt.want {
					t.Fatalf("got %q, %v; want %q", got, err, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got subject %q", got)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Validationf("op", "bad"), http.StatusBadRequest},
		{domain.NotFound("op", "task", 1), http.StatusNotFound},
		{domain.Unauthorized("op", "no"), http.StatusForbidden},
		{domain.Inactive("op", 1), http.StatusConflict},
		{domain.Conflict("op", errors.New("stale")), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRequestsRequireActiveUser(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, http.MethodGet, "/api/tasks", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	dave := ts.user(t, "dave", false)
	if rec := ts.do(t, http.MethodGet, "/api/tasks", &dave, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for inactive user, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "bob", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected username subject to resolve, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, fmt.Sprintf(`{"title":"Write report","assigneeId":%d}`, ts.bob.ID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	task := decode[domain.Task](t, rec)
	if task.Status != domain.StatusOpen {
		t.Fatalf("expected Open, got %s", task.Status)
	}
	path := fmt.Sprintf("/api/tasks/%d", task.ID)

	rec = ts.do(t, http.MethodPost, path+"/accept", &ts.alice, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("accept by non-assignee: expected 403, got %d", rec.Code)
	}
	if msg := decode[errorResponse](t, rec).Error; msg != domain.UserMessage(domain.ErrUnauthorized) {
		t.Fatalf("unexpected message %q", msg)
	}

	rec = ts.do(t, http.MethodPost, path+"/accept", &ts.bob, "")
	if rec.Code != http.StatusOK || decode[domain.Task](t, rec).Status != domain.StatusInProgress {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, path+"/rate", &ts.alice, `{"rating":9}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("rate out of range: expected 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, path+"/complete", &ts.bob, "")
	if rec.Code != http.StatusOK || decode[domain.Task](t, rec).Status != domain.StatusCompleted {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/tasks/999", &ts.alice, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, `{"title":"x","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
}

func TestCommentsAndNotificationsOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, fmt.Sprintf(`{"title":"Review","assigneeId":%d}`, ts.bob.ID))
	task := decode[domain.Task](t, rec)
	comments := fmt.Sprintf("/api/tasks/%d/comments", task.ID)

	if rec := ts.do(t, http.MethodPost, comments, &ts.alice, `{"body":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty comment: expected 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, comments, &ts.alice, `{"body":"please look"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add comment: %d %s", rec.Code, rec.Body.String())
	}
	c := decode[domain.Comment](t, rec)

	rec = ts.do(t, http.MethodPatch, fmt.Sprintf("/api/comments/%d", c.ID), &ts.bob, `{"body":"hijack"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("edit by non-author: expected 403, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/notifications/unread-count", &ts.bob, "")
	if n := decode[countResponse](t, rec).Count; n != 2 {
		t.Fatalf("expected 2 unread notifications for bob, got %d", n)
	}
	rec = ts.do(t, http.MethodPost, "/api/notifications/read", &ts.bob, "")
	if n := decode[markedResponse](t, rec).Marked; n != 2 {
		t.Fatalf("expected 2 marked, got %d", n)
	}

	rec = ts.do(t, http.MethodGet, "/api/chats", &ts.bob, "")
	chats := decode[[]domain.ChatSummary](t, rec)
	if len(chats) != 1 || chats[0].UnreadCount != 1 || chats[0].LastMessage != "please look" {
		t.Fatalf("unexpected chats: %+v", chats)
	}

	if rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/comments/%d", c.ID), &ts.alice, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
}

func TestIdempotencyKeyRejectsReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ts := newTestServer(t, NewRedisDeduper(rdb, time.Minute))

	rec := ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, `{"title":"once"}`, "Idempotency-Key", "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, `{"title":"once"}`, "Idempotency-Key", "k1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/tasks", &ts.bob, `{"title":"once"}`, "Idempotency-Key", "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("keys are per user: expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, `{"title":""}`, "Idempotency-Key", "k2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid: expected 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, `{"title":"fixed"}`, "Idempotency-Key", "k2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure: expected 201, got %d", rec.Code)
	}
	if !mr.Exists(fmt.Sprintf("idem:%d:k2", ts.alice.ID)) {
		t.Fatalf("expected key to be recorded")
	}
}

type frame struct {
	event string
	data  string
}

func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamDeliversJoinedGroups(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.e)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := ts.do(t, http.MethodPost, "/api/tasks", &ts.alice, fmt.Sprintf(`{"title":"Live","assigneeId":%d}`, ts.bob.ID))
	task := decode[domain.Task](t, rec)

	token := signToken(t, fmt.Sprint(ts.bob.ID), time.Now().Add(time.Hour))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	hello := readFrame(t, r)
	if hello.event != domain.EventConnected {
		t.Fatalf("expected connected frame, got %+v", hello)
	}
	var connected domain.Connected
	if err := sonic.UnmarshalString(hello.data, &connected); err != nil || connected.ConnectionID == "" {
		t.Fatalf("bad connected payload %q: %v", hello.data, err)
	}
	groups := "/api/connections/" + connected.ConnectionID + "/groups"

	if rec := ts.do(t, http.MethodPost, fmt.Sprintf("%s/users/%d", groups, ts.alice.ID), &ts.bob, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign user group: expected 403, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, fmt.Sprintf("%s/tasks/%d", groups, task.ID), &ts.alice, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign connection: expected 403, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, groups+"/tasks/999", &ts.bob, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, fmt.Sprintf("%s/tasks/%d", groups, task.ID), &ts.bob, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("join task group: %d %s", rec.Code, rec.Body.String())
		}
		if got := decode[groupsResponse](t, rec).Groups; len(got) != 1 || got[0] != domain.TaskGroup(task.ID) {
			t.Fatalf("unexpected groups %v", got)
		}
	}

	ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", task.ID), &ts.alice, `{"body":"first"}`)
	ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", task.ID), &ts.alice, `{"body":"second"}`)

	for _, want := range []string{"first", "second"} {
		f := readFrame(t, r)
		if f.event != domain.EventNewComment {
			t.Fatalf("expected NewComment, got %+v", f)
		}
		var ev domain.NewCommentEvent
		if err := sonic.UnmarshalString(f.data, &ev); err != nil {
			t.Fatalf("decode comment event: %v", err)
		}
		if ev.Content != want || ev.TaskID != task.ID || ev.Author.ID != ts.alice.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for ts.hub.Members(domain.TaskGroup(task.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered after client went away")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthzReportsStore(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(t, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = ts.store.Close()
	if rec := ts.do(t, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rec.Code)
	}
}

func TestMutatingMethods(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet:    false,
		http.MethodPost:   true,
		http.MethodPatch:  true,
		http.MethodDelete: true,
	} {
		if got := mutating(method); got != want {
			t.Fatalf("mutating(%s) = %v, want %v", method, got, want)
		}
	}
}

type fakeEventLog struct {
	group string
	limit int
}

func (f *fakeEventLog) Recent(_ context.Context, group string, limit int) ([]archive.ArchivedEvent, error) {
	f.group, f.limit = group, limit
	return []archive.ArchivedEvent{{Group: group, Name: domain.EventCommentDeleted, Event: domain.CommentDeletedEvent{CommentID: 1, TaskID: 2}}}, nil
}

type fakeTaskReader map[int64]domain.Task

func (f fakeTaskReader) Get(_ context.Context, id int64) (domain.Task, error) {
	t, ok := f[id]
	if !ok {
		return domain.Task{}, domain.NotFound("get task", "task", id)
	}
	return t, nil
}

func TestTaskEventsReadsTaskGroup(t *testing.T) {
	e := echo.New()
	events := &fakeEventLog{}
	h := taskEvents(fakeTaskReader{2: {ID: 2}}, events)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/2/events?limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("2")
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK || events.group != "Task_2" || events.limit != 5 {
		t.Fatalf("unexpected result %d group=%q limit=%d", rec.Code, events.group, events.limit)
	}
	if !strings.Contains(rec.Body.String(), `"event":"CommentDeleted"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/3/events", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("3")
	_ = h(c)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", rec.Code)
	}
}
