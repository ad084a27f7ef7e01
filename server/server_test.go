package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/onnwee/live-tender/backend/autoreply"
	"github.com/onnwee/live-tender/backend/config"
	"github.com/onnwee/live-tender/backend/events"
	"github.com/onnwee/live-tender/backend/supervisor"
)

type stubProcess struct {
	pid  int
	done chan supervisor.ExitResult
	once sync.Once
}

func (p *stubProcess) PID() int { return p.pid }

func (p *stubProcess) Kill() error {
	p.once.Do(func() {
		p.done <- supervisor.ExitResult{Signaled: true, Signal: syscall.SIGKILL}
		close(p.done)
	})
	return nil
}

func (p *stubProcess) Done() <-chan supervisor.ExitResult { return p.done }

type stubRuntime struct{}

func (stubRuntime) Spawn(ctx context.Context, binary string, args []string) (supervisor.Process, error) {
	return &stubProcess{pid: 4321, done: make(chan supervisor.ExitResult, 1)}, nil
}

func (stubRuntime) Probe(ctx context.Context, binary string) bool { return true }

type fakeSource struct {
	mu       sync.Mutex
	comments []autoreply.Comment
}

func (f *fakeSource) Fetch(ctx context.Context, limit int) ([]autoreply.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]autoreply.Comment, len(f.comments))
	copy(out, f.comments)
	return out, nil
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSink) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type testEnv struct {
	mux    http.Handler
	deps   Deps
	source *fakeSource
	sink   *fakeSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	pub := events.NewPublisher()
	sup := supervisor.New(supervisor.Options{
		Runtime:          stubRuntime{},
		Publisher:        pub,
		BaseDelay:        time.Second,
		MaxDelay:         time.Second,
		BinaryCandidates: []string{"ffmpeg"},
	})
	source := &fakeSource{}
	sink := &fakeSink{}
	engine := autoreply.NewEngine(autoreply.Options{
		Source:      source,
		Sink:        sink,
		BotUsername: "bot",
		MaxPerTick:  2,
	})
	cfg := &config.Config{
		DefaultResolution:  "1280x720",
		DefaultFPS:         30,
		DefaultBitrateKbps: 2500,
	}
	deps := Deps{
		Cfg:       cfg,
		Sup:       sup,
		Scheduler: supervisor.NewStartScheduler(sup, nil),
		Engine:    engine,
		Publisher: pub,
	}
	return &testEnv{
		mux:    NewMux(context.Background(), deps),
		deps:   deps,
		source: source,
		sink:   sink,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func tempSourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStreamStartAndStatus(t *testing.T) {
	env := newTestEnv(t)
	src := tempSourceFile(t)

	w := env.do(t, http.MethodPost, "/streams/start", map[string]any{
		"sessionId":    "s1",
		"source":       src,
		"destinations": []string{"rtmp://a/live/key"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		SessionID string `json:"sessionId"`
		PID       int    `json:"pid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "s1" || res.PID != 4321 {
		t.Errorf("got %+v", res)
	}

	w = env.do(t, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st struct {
		Streams []supervisor.StreamStatus `json:"streams"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Streams) != 1 || !st.Streams[0].Running {
		t.Errorf("streams = %+v", st.Streams)
	}
}

func TestStreamStartGeneratesSessionID(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/streams/start", map[string]any{
		"source":       tempSourceFile(t),
		"destinations": []string{"rtmp://a/live/key"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.SessionID == "" {
		t.Error("expected generated session id")
	}
}

func TestStreamStartValidation(t *testing.T) {
	env := newTestEnv(t)

	// missing source
	w := env.do(t, http.MethodPost, "/streams/start", map[string]any{
		"destinations": []string{"rtmp://a"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing source status = %d", w.Code)
	}

	// missing destinations
	w = env.do(t, http.MethodPost, "/streams/start", map[string]any{
		"source": tempSourceFile(t),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing destinations status = %d", w.Code)
	}

	// nonexistent local file
	w = env.do(t, http.MethodPost, "/streams/start", map[string]any{
		"source":       "/no/such/file.mp4",
		"destinations": []string{"rtmp://a"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad file status = %d", w.Code)
	}

	// wrong method
	w = env.do(t, http.MethodGet, "/streams/start", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", w.Code)
	}
}

func TestStreamStartDuplicateConflicts(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"sessionId":    "dup",
		"source":       tempSourceFile(t),
		"destinations": []string{"rtmp://a"},
	}
	if w := env.do(t, http.MethodPost, "/streams/start", body); w.Code != http.StatusOK {
		t.Fatalf("first start = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/streams/start", body); w.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", w.Code)
	}
}

func TestStreamStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/streams/stop", map[string]any{"sessionId": "ghost"}); w.Code != http.StatusOK {
		t.Errorf("stop unknown = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/streams/stop", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("stop without id = %d, want 400", w.Code)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	at := time.Now().Add(time.Hour).UTC()

	w := env.do(t, http.MethodPost, "/streams/schedule", map[string]any{
		"source":       tempSourceFile(t),
		"destinations": []string{"rtmp://a"},
		"at":           at.Format(time.RFC3339),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("schedule = %d body %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("no schedule id returned")
	}

	w = env.do(t, http.MethodGet, "/streams/schedule", nil)
	var list struct {
		Scheduled []supervisor.ScheduledStart `json:"scheduled"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Scheduled) != 1 || list.Scheduled[0].ID != created.ID {
		t.Errorf("list = %+v", list.Scheduled)
	}

	w = env.do(t, http.MethodDelete, "/streams/schedule?id="+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("cancel = %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/streams/schedule?id="+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel again = %d, want 404", w.Code)
	}
}

func TestAutoReplyConfigMerge(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/autoreply/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get config = %d", w.Code)
	}
	var before autoreply.Config
	if err := json.Unmarshal(w.Body.Bytes(), &before); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodPost, "/autoreply/config", map[string]any{
		"enabled":   true,
		"priceText": "$15",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("post config = %d body %s", w.Code, w.Body.String())
	}
	var after autoreply.Config
	if err := json.Unmarshal(w.Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if !after.Enabled || after.PriceText != "$15" {
		t.Errorf("got %+v", after)
	}
	// untouched fields keep their previous values
	if after.CooldownSec != before.CooldownSec || after.Mode != before.Mode {
		t.Errorf("merge clobbered fields: before %+v after %+v", before, after)
	}
}

func TestAutoReplyRunOnce(t *testing.T) {
	env := newTestEnv(t)
	env.source.comments = []autoreply.Comment{
		{ID: "c1", Platform: "twitch", Author: "viewer", Text: "what is the price?", Timestamp: time.Now()},
	}

	w := env.do(t, http.MethodPost, "/autoreply/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d body %s", w.Code, w.Body.String())
	}
	var st autoreply.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.RepliesSent != 1 {
		t.Errorf("repliesSent = %d, want 1", st.RepliesSent)
	}
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.sent) != 1 || !strings.Contains(env.sink.sent[0], "@viewer") {
		t.Errorf("sent = %v", env.sink.sent)
	}
}

func TestAutoReplyState(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/autoreply/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("state = %d", w.Code)
	}
	var st autoreply.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Running || st.RepliesSent != 0 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestEventsSSEStreamsStatus(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event: snapshot") {
		t.Fatalf("first line = %q, want snapshot event", line)
	}

	// a state transition shows up as a status event
	go func() {
		time.Sleep(50 * time.Millisecond)
		env.deps.Publisher.Publish(events.StatusEvent{SessionID: "s1", Kind: events.KindRunning, Running: true})
	}()
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "event: status") {
			data, err := reader.ReadString('\n')
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(data, `"s1"`) || !strings.Contains(data, `"running"`) {
				t.Errorf("data line = %q", data)
			}
			return
		}
	}
}

func TestMutatingEndpointsRequireAuthWhenConfigured(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/streams/stop", map[string]any{"sessionId": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated stop = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/streams/stop", strings.NewReader(`{"sessionId":"x"}`))
	req.Header.Set("X-Admin-Token", "sekrit")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated stop = %d, want 200", rec.Code)
	}

	// reads stay open
	if w := env.do(t, http.MethodGet, "/status", nil); w.Code != http.StatusOK {
		t.Errorf("status with auth configured = %d, want 200", w.Code)
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	env := newTestEnv(t)
	// newTestEnv disables rate limiting; re-enable for this mux
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	env.mux = NewMux(context.Background(), env.deps)

	var last int
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/streams/stop", map[string]any{"sessionId": "x"})
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/status", nil)
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Correlation-ID", "fixed-corr")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "fixed-corr" {
		t.Errorf("corr = %s, want fixed-corr", got)
	}
}
