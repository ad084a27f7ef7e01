package supervisor

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/onnwee/live-tender/backend/encoder"
	"github.com/onnwee/live-tender/backend/events"
)

type fakeProcess struct {
	pid  int
	done chan ExitResult
	once sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.exit(ExitResult{Signaled: true, Signal: syscall.SIGKILL})
	return nil
}

func (p *fakeProcess) Done() <-chan ExitResult { return p.done }

func (p *fakeProcess) exit(res ExitResult) {
	p.once.Do(func() {
		p.done <- res
		close(p.done)
	})
}

type fakeRuntime struct {
	mu       sync.Mutex
	nextPID  int
	spawnErr error
	spawned  chan *fakeProcess
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{nextPID: 100, spawned: make(chan *fakeProcess, 16)}
}

func (r *fakeRuntime) Spawn(ctx context.Context, binary string, args []string) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	r.nextPID++
	p := &fakeProcess{pid: r.nextPID, done: make(chan ExitResult, 1)}
	r.spawned <- p
	return p, nil
}

func (r *fakeRuntime) Probe(ctx context.Context, binary string) bool { return true }

func (r *fakeRuntime) setSpawnErr(err error) {
	r.mu.Lock()
	r.spawnErr = err
	r.mu.Unlock()
}

func testRequest(id string, keepAlive bool) StartRequest {
	return StartRequest{
		SessionID:    id,
		Source:       "rtmp://origin.example/live/key",
		Remote:       true,
		Destinations: []string{"rtmp://a.example/app/1"},
		KeepAlive:    keepAlive,
	}
}

func newTestSupervisor(rt Runtime, base, max time.Duration) (*Supervisor, <-chan events.StatusEvent, func()) {
	pub := events.NewPublisher()
	ch, cancel := pub.Subscribe(64)
	sup := New(Options{Runtime: rt, Publisher: pub, BaseDelay: base, MaxDelay: max})
	return sup, ch, cancel
}

func waitKind(t *testing.T, ch <-chan events.StatusEvent, kind events.Kind) events.StatusEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

func waitSpawn(t *testing.T, rt *fakeRuntime) *fakeProcess {
	t.Helper()
	select {
	case p := <-rt.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spawn")
		return nil
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	sup, _, cancel := newTestSupervisor(newFakeRuntime(), 3*time.Second, 60*time.Second)
	defer cancel()

	want := []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second,
		48 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := sup.backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	// Large counts must not overflow past the cap.
	if got := sup.backoffDelay(200); got != 60*time.Second {
		t.Errorf("backoffDelay(200) = %v, want 60s", got)
	}
}

func TestStartAndNormalExit(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	pid, err := sup.Start(context.Background(), testRequest("s1", false))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := waitSpawn(t, rt)
	if pid != proc.pid {
		t.Errorf("pid = %d, want %d", pid, proc.pid)
	}
	waitKind(t, ch, events.KindRunning)
	if sup.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1", sup.Registry().Len())
	}

	proc.exit(ExitResult{Code: 0})
	waitKind(t, ch, events.KindStopped)
	if sup.Registry().Len() != 0 {
		t.Errorf("session survived normal exit without keep-alive")
	}
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	rt := newFakeRuntime()
	sup, _, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	if _, err := sup.Start(context.Background(), testRequest("dup", true)); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitSpawn(t, rt)
	if _, err := sup.Start(context.Background(), testRequest("dup", true)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartValidation(t *testing.T) {
	rt := newFakeRuntime()
	sup, _, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	var cfgErr *encoder.ConfigError

	req := testRequest("", true)
	if _, err := sup.Start(context.Background(), req); !errors.As(err, &cfgErr) {
		t.Errorf("empty session id err = %v, want ConfigError", err)
	}

	req = testRequest("v1", true)
	req.Destinations = nil
	if _, err := sup.Start(context.Background(), req); !errors.As(err, &cfgErr) {
		t.Errorf("no destinations err = %v, want ConfigError", err)
	}

	req = testRequest("v2", true)
	req.Remote = false
	req.Source = "/nonexistent/input.mp4"
	if _, err := sup.Start(context.Background(), req); !errors.As(err, &cfgErr) {
		t.Errorf("missing local source err = %v, want ConfigError", err)
	}
}

func TestSpawnFailureIsNotRegistered(t *testing.T) {
	rt := newFakeRuntime()
	rt.setSpawnErr(errors.New("exec format error"))
	sup, _, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	var spawnErr *SpawnError
	if _, err := sup.Start(context.Background(), testRequest("s1", true)); !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want SpawnError", err)
	}
	if sup.Registry().Len() != 0 {
		t.Errorf("failed start left a registered session")
	}
}

func TestAbnormalExitRestartsWithMonotonicCount(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, 5*time.Millisecond, 50*time.Millisecond)
	defer cancel()

	if _, err := sup.Start(context.Background(), testRequest("flaky", true)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)

	proc.exit(ExitResult{Code: 1, StderrTail: "connection reset"})
	ev := waitKind(t, ch, events.KindRestarting)
	if ev.Attempt != 1 || ev.Delay != 5*time.Millisecond {
		t.Errorf("first restart event = attempt %d delay %v, want 1/5ms", ev.Attempt, ev.Delay)
	}

	proc2 := waitSpawn(t, rt)
	ev = waitKind(t, ch, events.KindRunning)
	if ev.RestartCount != 1 {
		t.Errorf("running event restartCount = %d, want 1", ev.RestartCount)
	}

	proc2.exit(ExitResult{Code: 1})
	ev = waitKind(t, ch, events.KindRestarting)
	if ev.Attempt != 2 || ev.Delay != 10*time.Millisecond {
		t.Errorf("second restart event = attempt %d delay %v, want 2/10ms", ev.Attempt, ev.Delay)
	}
	waitSpawn(t, rt)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Hour, time.Hour)
	defer cancel()

	if _, err := sup.Start(context.Background(), testRequest("s1", true)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)

	proc.exit(ExitResult{Code: 1})
	waitKind(t, ch, events.KindRestarting)

	if err := sup.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitKind(t, ch, events.KindStopped)
	if sup.Registry().Len() != 0 {
		t.Errorf("session survived stop")
	}

	// No respawn may happen after the cancelled timer.
	select {
	case <-rt.spawned:
		t.Error("restart fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopKillsRunningProcess(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	if _, err := sup.Start(context.Background(), testRequest("s1", true)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)

	if err := sup.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ev := waitKind(t, ch, events.KindStopped)
	if ev.Reason != "manual stop" {
		t.Errorf("stop reason = %q, want manual stop", ev.Reason)
	}

	// Even though Kill delivers a signaled exit, the session was already
	// removed, so the exit is stale and nothing restarts.
	select {
	case <-rt.spawned:
		t.Error("respawn after manual stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopUnknownSessionSucceeds(t *testing.T) {
	sup, ch, cancel := newTestSupervisor(newFakeRuntime(), time.Millisecond, time.Second)
	defer cancel()

	if err := sup.Stop("ghost"); err != nil {
		t.Fatalf("Stop unknown: %v", err)
	}
	ev := waitKind(t, ch, events.KindStopped)
	if ev.Reason != "already stopped" {
		t.Errorf("reason = %q", ev.Reason)
	}
}

func TestRespawnFailureTerminatesSession(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	if _, err := sup.Start(context.Background(), testRequest("s1", true)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)

	rt.setSpawnErr(errors.New("binary vanished"))
	proc.exit(ExitResult{Code: 1})
	waitKind(t, ch, events.KindRestarting)

	ev := waitKind(t, ch, events.KindStopped)
	if ev.Reason != "respawn failed" {
		t.Errorf("reason = %q, want respawn failed", ev.Reason)
	}
	if sup.Registry().Len() != 0 {
		t.Errorf("terminal session still registered")
	}
}

func TestPersistenceHookObservesTransitions(t *testing.T) {
	rt := newFakeRuntime()
	pub := events.NewPublisher()
	ch, cancelSub := pub.Subscribe(16)
	defer cancelSub()

	var mu sync.Mutex
	seen := make(map[events.Kind]int)
	sup := New(Options{
		Runtime:   rt,
		Publisher: pub,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Second,
		Hook: func(sessionID string, state events.Kind) {
			mu.Lock()
			seen[state]++
			mu.Unlock()
		},
	})

	if _, err := sup.Start(context.Background(), testRequest("s1", false)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)
	proc.exit(ExitResult{Code: 0})
	waitKind(t, ch, events.KindStopped)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		running, stopped := seen[events.KindRunning], seen[events.KindStopped]
		mu.Unlock()
		if running >= 1 && stopped >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("hook saw running=%d stopped=%d", running, stopped)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()

	req := testRequest("s1", true)
	req.Owner = "url"
	if _, err := sup.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)

	st := sup.Status()
	if len(st) != 1 {
		t.Fatalf("status len = %d", len(st))
	}
	if st[0].SessionID != "s1" || !st[0].Running || st[0].Owner != "url" {
		t.Errorf("status = %+v", st[0])
	}
}

func TestScheduledStartFiresAndCancels(t *testing.T) {
	rt := newFakeRuntime()
	sup, ch, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()
	ss := NewStartScheduler(sup, nil)
	defer ss.CancelAll()

	id, err := ss.Schedule(time.Now().Add(10*time.Millisecond), testRequest("sched1", false))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(ss.List()) != 1 {
		t.Fatalf("pending = %d, want 1", len(ss.List()))
	}
	waitSpawn(t, rt)
	waitKind(t, ch, events.KindRunning)
	if len(ss.List()) != 0 {
		t.Errorf("fired entry still listed")
	}
	if ss.Cancel(id) {
		t.Errorf("cancel of fired entry reported true")
	}

	id2, err := ss.Schedule(time.Now().Add(time.Hour), testRequest("sched2", false))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !ss.Cancel(id2) {
		t.Errorf("cancel of pending entry reported false")
	}
	select {
	case <-rt.spawned:
		t.Error("cancelled schedule fired")
	case <-time.After(30 * time.Millisecond):
	}
}

type memScheduleStore struct {
	mu      sync.Mutex
	entries []ScheduledStart
}

func (m *memScheduleStore) SaveSchedules(ctx context.Context, entries []ScheduledStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]ScheduledStart(nil), entries...)
	return nil
}

func (m *memScheduleStore) LoadSchedules(ctx context.Context) ([]ScheduledStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScheduledStart(nil), m.entries...), nil
}

func (m *memScheduleStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestScheduleSurvivesRestartViaStore(t *testing.T) {
	rt := newFakeRuntime()
	sup, _, cancel := newTestSupervisor(rt, time.Millisecond, time.Second)
	defer cancel()
	store := &memScheduleStore{}

	ss := NewStartScheduler(sup, store)
	id, err := ss.Schedule(time.Now().Add(time.Hour), testRequest("sched-p", false))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("persisted = %d, want 1", store.count())
	}

	// Shutdown keeps the store intact so entries come back on boot.
	ss.CancelAll()
	if store.count() != 1 {
		t.Fatalf("persisted after CancelAll = %d, want 1", store.count())
	}

	ss2 := NewStartScheduler(sup, store)
	defer ss2.CancelAll()
	if err := ss2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored := ss2.List()
	if len(restored) != 1 || restored[0].ID != id {
		t.Fatalf("restored = %+v", restored)
	}

	// Cancelling a live entry clears it from the store too.
	if !ss2.Cancel(id) {
		t.Fatal("cancel of restored entry reported false")
	}
	if store.count() != 0 {
		t.Errorf("persisted after cancel = %d, want 0", store.count())
	}
}

type probeRecorder struct {
	*fakeRuntime
	probeMu sync.Mutex
	probed  []string
}

func (r *probeRecorder) Probe(ctx context.Context, binary string) bool {
	r.probeMu.Lock()
	r.probed = append(r.probed, binary)
	r.probeMu.Unlock()
	return true
}

func TestConfiguredFFmpegPathProbedFirst(t *testing.T) {
	rt := &probeRecorder{fakeRuntime: newFakeRuntime()}
	sup := New(Options{Runtime: rt, FFmpegPath: "/opt/ffmpeg/bin/ffmpeg"})
	if _, err := sup.Start(context.Background(), testRequest("ff", false)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = sup.Stop("ff") }()

	rt.probeMu.Lock()
	defer rt.probeMu.Unlock()
	if len(rt.probed) == 0 || rt.probed[0] != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("probe order = %v, want configured path first", rt.probed)
	}
}
