// Package supervisor spawns and monitors external encoder processes, one per
// stream session, and reconnects them with exponential backoff after abnormal
// exits. Session state lives in a Registry; every transition is published as
// a typed status event and mirrored to a best-effort persistence hook.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/live-tender/backend/encoder"
	"github.com/onnwee/live-tender/backend/events"
	"github.com/onnwee/live-tender/backend/sched"
	"github.com/onnwee/live-tender/backend/telemetry"
)

// ErrAlreadyRunning is returned when a start request names a session id that
// already has a live process. The request is rejected, never queued.
var ErrAlreadyRunning = errors.New("stream already running")

// SpawnError reports that the encoder binary could not be resolved or
// executed. The session is never registered when a start fails this way.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "spawn encoder: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// PersistenceHook receives session state changes for best-effort durability
// (e.g. clearing a "currently streaming" flag). It runs on its own goroutine;
// failures never affect supervisor behavior.
type PersistenceHook func(sessionID string, state events.Kind)

// StartRequest describes one stream to supervise.
type StartRequest struct {
	SessionID    string
	Owner        string // "video" | "url" | platform tag, informational
	Source       string
	Remote       bool
	Loop         bool
	Settings     encoder.Settings
	Light        *encoder.LightProfile
	Destinations []string
	KeepAlive    bool
}

// Options configures a Supervisor. Zero values get defaults.
type Options struct {
	Runtime   Runtime
	Registry  *Registry
	Publisher *events.Publisher
	Scheduler *sched.Scheduler
	Hook      PersistenceHook

	BaseDelay time.Duration // first restart delay (default 3s)
	MaxDelay  time.Duration // backoff cap (default 60s)

	// FFmpegPath, when set, is probed before the system locations.
	FFmpegPath string

	// BinaryCandidates overrides the probe list entirely.
	BinaryCandidates []string
}

// Supervisor drives the Idle -> Starting -> Running -> (Restarting <-> Running)
// -> Stopped lifecycle for every registered session.
type Supervisor struct {
	runtime   Runtime
	registry  *Registry
	pub       *events.Publisher
	sched     *sched.Scheduler
	hook      PersistenceHook
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *slog.Logger

	candidates []string
	binaryOnce sync.Once
	binary     string
	binaryErr  error
}

func New(opts Options) *Supervisor {
	if opts.Runtime == nil {
		opts.Runtime = ExecRuntime{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewPublisher()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.New()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = envDurationMs("STREAM_RESTART_BASE_DELAY_MS", 3*time.Second)
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = envDurationMs("STREAM_RESTART_MAX_DELAY_MS", 60*time.Second)
	}
	if len(opts.BinaryCandidates) == 0 {
		if opts.FFmpegPath != "" {
			opts.BinaryCandidates = append(opts.BinaryCandidates, opts.FFmpegPath)
		}
		opts.BinaryCandidates = append(opts.BinaryCandidates, "ffmpeg", "/usr/local/bin/ffmpeg", "/usr/bin/ffmpeg")
	}
	return &Supervisor{
		runtime:    opts.Runtime,
		registry:   opts.Registry,
		pub:        opts.Publisher,
		sched:      opts.Scheduler,
		hook:       opts.Hook,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		candidates: opts.BinaryCandidates,
		log:        slog.Default().With(slog.String("component", "supervisor")),
	}
}

func envDurationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// Registry exposes the session registry for status queries.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Publisher exposes the status event publisher.
func (s *Supervisor) Publisher() *events.Publisher { return s.pub }

// resolveBinary probes the candidate list once and caches the winner for the
// supervisor lifetime.
func (s *Supervisor) resolveBinary(ctx context.Context) (string, error) {
	s.binaryOnce.Do(func() {
		for _, c := range s.candidates {
			if s.runtime.Probe(ctx, c) {
				s.binary = c
				s.log.Info("encoder binary resolved", slog.String("binary", c))
				return
			}
		}
		s.binaryErr = &SpawnError{Err: fmt.Errorf("no healthy encoder binary among %v", s.candidates)}
	})
	return s.binary, s.binaryErr
}

// backoffDelay computes min(maxDelay, baseDelay * 2^(restartCount-1)).
// restartCount is monotonic for the session lifetime, so a long-lived flaky
// session sits at the cap; that is intentional.
func (s *Supervisor) backoffDelay(restartCount int) time.Duration {
	exp := restartCount - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	d := s.baseDelay << uint(exp)
	if d > s.maxDelay || d <= 0 {
		d = s.maxDelay
	}
	return d
}

func (s *Supervisor) notifyHook(sessionID string, state events.Kind) {
	if s.hook == nil {
		return
	}
	go s.hook(sessionID, state)
}

// Start validates configuration, spawns the encoder, and registers the
// session. A session id with a live process is rejected with
// ErrAlreadyRunning. Configuration problems surface as *encoder.ConfigError
// and exec problems as *SpawnError; in both cases nothing is registered.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (int, error) {
	if req.SessionID == "" {
		return 0, &encoder.ConfigError{Reason: "empty session id"}
	}
	if !req.Remote {
		if _, err := os.Stat(req.Source); err != nil {
			return 0, &encoder.ConfigError{Reason: "source file missing: " + req.Source}
		}
	}
	normalized := encoder.Normalize(req.Settings, req.Light)
	if normalized.Adjusted {
		s.log.Info("light mode adjusted encode settings",
			slog.String("session_id", req.SessionID),
			slog.String("resolution", normalized.Resolution()),
			slog.Int("fps", normalized.FPS),
			slog.Int("bitrate_kbps", normalized.BitrateKbps))
	}
	args, err := encoder.BuildArgs(encoder.Input{Source: req.Source, Remote: req.Remote, Loop: req.Loop}, normalized, req.Light, req.Destinations)
	if err != nil {
		return 0, err
	}
	binary, err := s.resolveBinary(ctx)
	if err != nil {
		return 0, err
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if existing := s.registry.get(req.SessionID); existing != nil && (existing.proc != nil || existing.restarting) {
		return 0, ErrAlreadyRunning
	}

	s.pub.Publish(events.StatusEvent{SessionID: req.SessionID, Kind: events.KindStarting})

	proc, err := s.runtime.Spawn(ctx, binary, args)
	if err != nil {
		telemetry.StreamSpawnFailures.Inc()
		return 0, &SpawnError{Err: err}
	}

	sess := &session{
		id:           req.SessionID,
		owner:        req.Owner,
		source:       req.Source,
		remote:       req.Remote,
		loop:         req.Loop,
		settings:     req.Settings,
		light:        req.Light,
		destinations: append([]string(nil), req.Destinations...),
		keepAlive:    req.KeepAlive,
		proc:         proc,
		pid:          proc.PID(),
		startTime:    time.Now().UTC(),
	}
	s.registry.put(sess)
	telemetry.StreamsStarted.Inc()
	telemetry.SetActiveStreams(s.registry.len())

	s.pub.Publish(events.StatusEvent{
		SessionID: sess.id,
		Kind:      events.KindRunning,
		Running:   true,
		PID:       sess.pid,
		StartTime: sess.startTime,
	})
	s.notifyHook(sess.id, events.KindRunning)
	s.log.Info("stream started",
		slog.String("session_id", sess.id),
		slog.Int("pid", sess.pid),
		slog.String("resolution", normalized.Resolution()),
		slog.Int("destinations", len(sess.destinations)))

	go s.watch(sess.id, proc)
	return sess.pid, nil
}

// watch waits for the process to exit and drives the restart-or-terminate
// decision.
func (s *Supervisor) watch(sessionID string, proc Process) {
	res := <-proc.Done()
	s.handleExit(sessionID, proc, res)
}

func (s *Supervisor) handleExit(sessionID string, proc Process, res ExitResult) {
	s.registry.mu.Lock()
	sess := s.registry.get(sessionID)
	if sess == nil || sess.proc != proc {
		// Manual stop already removed the session, or a restart already
		// replaced the handle; this exit is stale.
		s.registry.mu.Unlock()
		return
	}

	if res.normal() {
		s.log.Info("stream stopped", slog.String("session_id", sessionID))
	} else {
		tail := res.StderrTail
		if len(tail) > 300 {
			tail = tail[len(tail)-300:]
		}
		telemetry.StreamAbnormalExits.Inc()
		s.log.Error("encoder exited abnormally",
			slog.String("session_id", sessionID),
			slog.Int("code", res.Code),
			slog.Bool("signaled", res.Signaled),
			slog.String("stderr_tail", tail))
	}

	if sess.manualStop || !sess.keepAlive {
		s.registry.remove(sessionID)
		telemetry.SetActiveStreams(s.registry.len())
		s.registry.mu.Unlock()
		s.pub.Publish(events.StatusEvent{SessionID: sessionID, Kind: events.KindStopped, Reason: "exit"})
		s.notifyHook(sessionID, events.KindStopped)
		return
	}

	sess.proc = nil
	sess.pid = 0
	sess.restarting = true
	sess.restartCount++
	attempt := sess.restartCount
	delay := s.backoffDelay(attempt)
	nextAt := time.Now().UTC().Add(delay)

	// One pending restart timer per session; clear any leftover before
	// replacing it.
	if sess.restartTask != nil {
		sess.restartTask.Cancel()
	}
	sess.restartTask = s.sched.After(delay, func() { s.attemptRestart(sessionID) })
	s.registry.mu.Unlock()

	telemetry.StreamRestarts.Inc()
	s.pub.Publish(events.StatusEvent{
		SessionID:     sessionID,
		Kind:          events.KindRestarting,
		Restarting:    true,
		RestartCount:  attempt,
		Attempt:       attempt,
		Delay:         delay,
		NextAttemptAt: nextAt,
	})
	s.log.Warn("stream disconnected; reconnecting",
		slog.String("session_id", sessionID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

// attemptRestart fires when a restart timer elapses. Stop may have happened
// during the wait, so eligibility is re-checked before re-spawning.
func (s *Supervisor) attemptRestart(sessionID string) {
	s.registry.mu.Lock()
	sess := s.registry.get(sessionID)
	if sess == nil || sess.manualStop || !sess.keepAlive {
		s.registry.mu.Unlock()
		return
	}
	sess.restartTask = nil

	normalized := encoder.Normalize(sess.settings, sess.light)
	args, err := encoder.BuildArgs(encoder.Input{Source: sess.source, Remote: sess.remote, Loop: sess.loop}, normalized, sess.light, sess.destinations)
	var proc Process
	if err == nil {
		var binary string
		binary, err = s.resolveBinary(context.Background())
		if err == nil {
			proc, err = s.runtime.Spawn(context.Background(), binary, args)
		}
	}
	if err != nil {
		// Re-spawn failure is terminal for the session.
		s.registry.remove(sessionID)
		telemetry.SetActiveStreams(s.registry.len())
		s.registry.mu.Unlock()
		telemetry.StreamSpawnFailures.Inc()
		s.pub.Publish(events.StatusEvent{SessionID: sessionID, Kind: events.KindStopped, Reason: "respawn failed"})
		s.notifyHook(sessionID, events.KindStopped)
		s.log.Error("stream reconnect failed; giving up", slog.String("session_id", sessionID), slog.Any("err", err))
		return
	}

	sess.proc = proc
	sess.pid = proc.PID()
	sess.startTime = time.Now().UTC()
	sess.restarting = false
	attempt := sess.restartCount
	s.registry.mu.Unlock()

	s.pub.Publish(events.StatusEvent{
		SessionID:    sessionID,
		Kind:         events.KindRunning,
		Running:      true,
		PID:          proc.PID(),
		StartTime:    time.Now().UTC(),
		RestartCount: attempt,
	})
	s.notifyHook(sessionID, events.KindRunning)
	s.log.Info("stream reconnected", slog.String("session_id", sessionID), slog.Int("pid", proc.PID()), slog.Int("attempt", attempt))

	go s.watch(sessionID, proc)
}

// Stop cancels any pending restart, kills the process if still alive, removes
// the session, and publishes a stopped event. Stopping an unknown or already
// stopped session succeeds.
func (s *Supervisor) Stop(sessionID string) error {
	s.registry.mu.Lock()
	sess := s.registry.get(sessionID)
	if sess == nil {
		s.registry.mu.Unlock()
		s.pub.Publish(events.StatusEvent{SessionID: sessionID, Kind: events.KindStopped, Reason: "already stopped"})
		s.notifyHook(sessionID, events.KindStopped)
		return nil
	}
	sess.manualStop = true
	sess.keepAlive = false
	sess.restarting = false
	if sess.restartTask != nil {
		sess.restartTask.Cancel()
		sess.restartTask = nil
	}
	proc := sess.proc
	s.registry.remove(sessionID)
	telemetry.SetActiveStreams(s.registry.len())
	s.registry.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.log.Warn("kill failed", slog.String("session_id", sessionID), slog.Any("err", err))
		}
	}
	s.pub.Publish(events.StatusEvent{SessionID: sessionID, Kind: events.KindStopped, Reason: "manual stop"})
	s.notifyHook(sessionID, events.KindStopped)
	s.log.Info("stream stopped by operator", slog.String("session_id", sessionID))
	return nil
}

// Status returns a snapshot of every tracked session.
func (s *Supervisor) Status() []StreamStatus { return s.registry.Snapshot() }
