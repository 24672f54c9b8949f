package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/aryabyte21/taskboard/board-api/livefeed"
	"github.com/aryabyte21/taskboard/domain"
)

// syncRecorder is a flushable ResponseWriter safe to read while the handler
// is still writing.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	code   int
	body   bytes.Buffer
	// gate, when set, holds every Write until it is closed.
	gate chan struct{}
}

func newSyncRecorder() *syncRecorder { return &syncRecorder{header: make(http.Header)} }

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == 0 {
		r.code = code
	}
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startStream(t *testing.T, d Deps, target string) (*syncRecorder, func()) {
	t.Helper()
	e := newTestServer(d)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rec := newSyncRecorder()
	done := make(chan struct{})
	go func() {
		e.ServeHTTP(rec, req)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return rec, stop
}

func TestStreamWritesOneFramePerEvent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := livefeed.NewHub(8, logger)
	rec, stop := startStream(t, Deps{Store: newMemStore(), Hub: hub, Logger: logger}, "/stream")

	waitFor(t, "subscriber", func() bool { return hub.Subscribers() == 1 })
	if err := hub.Publish(context.Background(), domain.DestroyEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "frame", func() bool { return strings.Contains(rec.String(), "\n\n") })
	stop()

	if got := rec.String(); got != "data: {\"action\":\"destroy\",\"id\":\"t1\"}\n\n" {
		t.Fatalf("unexpected stream body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected subscriber to be removed after disconnect")
	}
}

func TestStreamSendsKeepalive(t *testing.T) {
	prev := keepaliveInterval
	keepaliveInterval = 10 * time.Millisecond
	t.Cleanup(func() { keepaliveInterval = prev })

	hub := livefeed.NewHub(8, nil)
	rec, _ := startStream(t, Deps{Store: newMemStore(), Hub: hub}, "/stream")

	waitFor(t, "keepalive", func() bool { return strings.Contains(rec.String(), ":keepalive\n\n") })
}

func TestStreamClosesWhenClientLags(t *testing.T) {
	hub := livefeed.NewHub(1, nil)
	e := newTestServer(Deps{Store: newMemStore(), Hub: hub})
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := newSyncRecorder()
	rec.gate = make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.ServeHTTP(rec, req)
		close(done)
	}()
	waitFor(t, "subscriber", func() bool { return hub.Subscribers() == 1 })

	// one frame stuck in Write, one buffered, the third overflows
	for i := 0; i < 3; i++ {
		hub.Broadcast([]byte(`{"action":"destroy","id":"x"}`))
	}
	if hub.Subscribers() != 0 {
		t.Fatal("expected lagging subscriber to be dropped")
	}
	close(rec.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected lagging stream to be closed")
	}
}

func TestStreamAcceptsQueryToken(t *testing.T) {
	secret := []byte("stream-secret")
	auth, err := NewAuth(AuthConfig{Mode: AuthModeHS256, Secret: secret})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "viewer",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	hub := livefeed.NewHub(8, nil)
	e := newTestServer(Deps{Store: newMemStore(), Hub: hub, Auth: auth})
	if rec := doRequest(e, http.MethodGet, "/stream", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	startStream(t, Deps{Store: newMemStore(), Hub: hub, Auth: auth}, "/stream?token="+signed)
	waitFor(t, "authorized subscriber", func() bool { return hub.Subscribers() == 1 })
}
