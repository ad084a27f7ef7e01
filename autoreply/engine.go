package autoreply

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/live-tender/backend/sched"
	"github.com/onnwee/live-tender/backend/telemetry"
)

// Source pulls recent comments from a platform adapter, newest first. Fetch
// failures are recorded on the engine state and retried on the next tick.
type Source interface {
	Fetch(ctx context.Context, limit int) ([]Comment, error)
}

// Sink delivers one reply to the platform.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// ConfigStore persists the sanitized policy across restarts.
type ConfigStore interface {
	Save(ctx context.Context, cfg Config) error
	Load(ctx context.Context) (Config, bool, error)
}

// State is the diagnostic snapshot returned to operators.
type State struct {
	Enabled          bool       `json:"enabled"`
	Mode             string     `json:"mode"`
	Running          bool       `json:"running"`
	Processing       bool       `json:"processing"`
	ProcessedCount   int64      `json:"processedCount"`
	RepliesSent      int64      `json:"repliesSent"`
	FollowUpsSent    int64      `json:"followUpsSent"`
	ProcessedIDs     int        `json:"processedIds"`
	RepliedIDs       int        `json:"repliedIds"`
	PendingFollowUps int        `json:"pendingFollowUps"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastReplyAt      *time.Time `json:"lastReplyAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	Config           Config     `json:"config"`
}

// Options configures an Engine. Source and Sink are required; everything
// else has defaults.
type Options struct {
	Source    Source
	Sink      Sink
	Generator Generator
	Store     ConfigStore
	Scheduler *sched.Scheduler

	// BotUsername is the engine's own handle; its comments are never replied
	// to.
	BotUsername string

	MaxPerTick int // per-tick send cap, default from AUTOREPLY_MAX_PER_TICK (2), clamped [1,5]
	FetchBatch int // comments pulled per tick, default 80

	// DefaultPollMs seeds the poll interval of the built-in policy; a
	// persisted or operator-supplied config still overrides it.
	DefaultPollMs int

	Clock func() time.Time
}

// Engine runs the poll-dedup-select-send pipeline. One instance per platform
// session; all mutable state is behind a single mutex, and the tick itself is
// single-flight.
type Engine struct {
	source  Source
	sink    Sink
	gen     Generator
	store   ConfigStore
	sched   *sched.Scheduler
	log     *slog.Logger
	clock   func() time.Time
	botUser string

	maxPerTick int
	fetchBatch int

	mu             sync.Mutex
	cfg            Config
	processed      *dedupSet
	replied        *dedupSet
	users          *userStats
	lastRunAt      time.Time
	lastReplyAt    time.Time
	lastError      string
	processedTotal int64
	repliesSent    int64
	followUpsSent  int64

	ticking  atomic.Bool
	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxPerTick <= 0 {
		opts.MaxPerTick = envInt("AUTOREPLY_MAX_PER_TICK", 2)
	}
	opts.MaxPerTick = clampInt(opts.MaxPerTick, 1, 5)
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 80
	}
	cfg := DefaultConfig()
	if opts.DefaultPollMs > 0 {
		cfg.PollMs = clampInt(opts.DefaultPollMs, 3000, 30000)
	}
	return &Engine{
		source:     opts.Source,
		sink:       opts.Sink,
		gen:        opts.Generator,
		store:      opts.Store,
		sched:      opts.Scheduler,
		log:        slog.Default().With(slog.String("component", "autoreply")),
		clock:      opts.Clock,
		botUser:    strings.ToLower(strings.TrimSpace(opts.BotUsername)),
		maxPerTick: opts.MaxPerTick,
		fetchBatch: opts.FetchBatch,
		cfg:        cfg,
		processed:  newDedupSet(dedupTTL, dedupMaxSize),
		replied:    newDedupSet(dedupTTL, dedupMaxSize),
		users:      newUserStats(userWindow),
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// LoadPersisted replaces the policy with the stored one, if any.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	cfg, ok, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.cfg = Sanitize(cfg, e.cfg)
	e.mu.Unlock()
	return nil
}

// Configure sanitizes input against the current policy, persists it, and
// returns the applied config. Disabling cancels every pending follow-up.
func (e *Engine) Configure(ctx context.Context, input Config) (Config, error) {
	e.mu.Lock()
	e.cfg = Sanitize(input, e.cfg)
	applied := e.cfg
	e.mu.Unlock()

	if !applied.Enabled {
		e.sched.CancelAll()
		telemetry.SetPendingFollowUps(0)
	}
	if e.store != nil {
		if err := e.store.Save(ctx, applied); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// Config returns the current policy.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// State returns the diagnostic snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{
		Enabled:          e.cfg.Enabled,
		Mode:             e.cfg.Mode,
		Running:          e.loopRunning(),
		Processing:       e.ticking.Load(),
		ProcessedCount:   e.processedTotal,
		RepliesSent:      e.repliesSent,
		FollowUpsSent:    e.followUpsSent,
		ProcessedIDs:     e.processed.size(),
		RepliedIDs:       e.replied.size(),
		PendingFollowUps: e.sched.Pending(),
		LastError:        e.lastError,
		Config:           e.cfg,
	}
	if !e.lastRunAt.IsZero() {
		t := e.lastRunAt
		st.LastRunAt = &t
	}
	if !e.lastReplyAt.IsZero() {
		t := e.lastReplyAt
		st.LastReplyAt = &t
	}
	return st
}

func (e *Engine) loopRunning() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.loopStop != nil
}

// Start launches the polling loop. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.loopMu.Lock()
	if e.loopStop != nil {
		e.loopMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.loopStop = stop
	e.loopDone = done
	e.loopMu.Unlock()

	go e.loop(ctx, stop, done)
	e.log.Info("auto-reply loop started")
}

func (e *Engine) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(e.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			e.tick(ctx, false)
			timer.Reset(e.pollInterval())
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.cfg.PollMs) * time.Millisecond
}

// Stop halts the polling loop and cancels all pending follow-ups.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	stop, done := e.loopStop, e.loopDone
	e.loopStop, e.loopDone = nil, nil
	e.loopMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		e.log.Info("auto-reply loop stopped")
	}
	e.sched.CancelAll()
	telemetry.SetPendingFollowUps(0)
}

// RunOnce forces a single tick regardless of the enabled flag and returns the
// resulting state. Diagnostics entry point.
func (e *Engine) RunOnce(ctx context.Context) State {
	e.tick(ctx, true)
	return e.State()
}

// tick is the single-flight poll iteration: fetch, dedup, rate-limit, select,
// send, schedule follow-ups.
func (e *Engine) tick(ctx context.Context, force bool) {
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	if !cfg.Enabled && !force {
		return
	}

	telemetry.AutoReplyTicks.Inc()
	started := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(started).Seconds()) }()

	comments, err := e.source.Fetch(ctx, e.fetchBatch)
	if err != nil {
		e.setError("fetch comments: " + err.Error())
		return
	}

	sent := 0
	// Sources deliver newest first; replies go out in arrival order.
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = SynthesizeID(c.Author, c.Text, c.Timestamp)
		}

		now := e.clock()
		e.mu.Lock()
		if e.processed.seen(id, now) {
			e.mu.Unlock()
			continue
		}
		// Processed is marked before eligibility on purpose: a comment that
		// yields no reply is never reconsidered, even after a config change.
		e.processed.remember(id, now)
		e.processedTotal++
		eligible := e.eligibleLocked(c, id, now)
		e.mu.Unlock()
		telemetry.CommentsProcessed.Inc()
		if !eligible {
			continue
		}

		text, err := chooseReply(ctx, cfg, e.gen, c)
		if err != nil {
			e.setError("choose reply: " + err.Error())
			return
		}
		if text == "" {
			continue
		}

		if err := e.sink.Send(ctx, text); err != nil {
			telemetry.ReplySendFailures.Inc()
			e.setError("send reply: " + err.Error())
			return
		}

		now = e.clock()
		e.mu.Lock()
		e.users.record(c.Author, now)
		e.replied.remember(id, now)
		e.lastReplyAt = now
		e.repliesSent++
		e.mu.Unlock()
		telemetry.RepliesSent.Inc()
		e.log.Info("auto-reply sent",
			slog.String("author", c.Author),
			slog.String("platform", c.Platform),
			slog.String("text", clampText(text, 70)))

		e.scheduleFollowUps(c, text, cfg)

		sent++
		if sent >= e.maxPerTick {
			break
		}
	}

	e.mu.Lock()
	e.lastRunAt = e.clock()
	e.lastError = ""
	e.mu.Unlock()
}

// eligibleLocked applies the author/dedup/rate-limit gates. Caller holds e.mu.
func (e *Engine) eligibleLocked(c Comment, id string, now time.Time) bool {
	author := strings.ToLower(strings.TrimSpace(c.Author))
	if author == "" || (e.botUser != "" && author == e.botUser) {
		return false
	}
	if e.replied.seen(id, now) {
		return false
	}
	cooldown := time.Duration(e.cfg.CooldownSec) * time.Second
	return e.users.allow(c.Author, now, cooldown, e.cfg.MaxRepliesPerUser)
}

func (e *Engine) setError(msg string) {
	e.mu.Lock()
	e.lastError = msg
	e.lastRunAt = e.clock()
	e.mu.Unlock()
	e.log.Warn("auto-reply tick failed", slog.String("err", msg))
}

// followChain carries the previous reply text between a comment's follow-up
// steps so each can avoid repeating it.
type followChain struct {
	mu   sync.Mutex
	text string
}

// scheduleFollowUps parks RepliesPerComment-1 delayed tasks at delay×step.
func (e *Engine) scheduleFollowUps(c Comment, initialReply string, cfg Config) {
	if !cfg.FollowUpEnabled || cfg.RepliesPerComment <= 1 {
		return
	}
	delay := time.Duration(cfg.FollowUpDelaySec) * time.Second
	chain := &followChain{text: initialReply}
	for step := 1; step <= cfg.RepliesPerComment-1; step++ {
		step := step
		e.sched.After(delay*time.Duration(step), func() {
			e.fireFollowUp(c, chain, step)
		})
	}
	telemetry.SetPendingFollowUps(e.sched.Pending())
}

// fireFollowUp re-validates the per-user quota before sending; the user may
// have exhausted it through other activity while the task was pending.
func (e *Engine) fireFollowUp(c Comment, chain *followChain, step int) {
	defer telemetry.SetPendingFollowUps(e.sched.Pending())
	ctx := context.Background()

	e.mu.Lock()
	cfg := e.cfg
	now := e.clock()
	ok := cfg.Enabled && e.users.allow(c.Author, now, 0, cfg.MaxRepliesPerUser)
	e.mu.Unlock()
	if !ok {
		return
	}

	chain.mu.Lock()
	previous := chain.text
	chain.mu.Unlock()

	text, err := chooseFollowUp(ctx, cfg, e.gen, c, previous, step)
	if err != nil {
		e.log.Warn("follow-up generation failed", slog.String("author", c.Author), slog.Any("err", err))
		return
	}
	if text == "" {
		return
	}

	if err := e.sink.Send(ctx, text); err != nil {
		telemetry.ReplySendFailures.Inc()
		e.log.Warn("follow-up send failed", slog.String("author", c.Author), slog.Any("err", err))
		return
	}

	now = e.clock()
	e.mu.Lock()
	e.users.record(c.Author, now)
	e.lastReplyAt = now
	e.followUpsSent++
	e.mu.Unlock()
	telemetry.FollowUpsSent.Inc()
	e.log.Info("auto follow-up sent",
		slog.String("author", c.Author),
		slog.Int("step", step),
		slog.String("text", clampText(text, 70)))

	chain.mu.Lock()
	chain.text = text
	chain.mu.Unlock()
}

// PendingFollowUps reports currently scheduled follow-up tasks.
func (e *Engine) PendingFollowUps() int { return e.sched.Pending() }
