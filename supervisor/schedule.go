package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/backend/sched"
)

// ScheduledStart is a start request parked until its wall-clock time arrives.
type ScheduledStart struct {
	ID      string       `json:"id"`
	At      time.Time    `json:"at"`
	Request StartRequest `json:"request"`
}

// ScheduleStore persists pending scheduled starts so they survive restarts.
type ScheduleStore interface {
	SaveSchedules(ctx context.Context, entries []ScheduledStart) error
	LoadSchedules(ctx context.Context) ([]ScheduledStart, error)
}

// StartScheduler holds future stream starts. Each entry owns one timer task;
// firing or cancelling removes the entry. Scheduling in the past fires
// immediately.
type StartScheduler struct {
	sup   *Supervisor
	sched *sched.Scheduler
	store ScheduleStore
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*scheduledEntry
}

type scheduledEntry struct {
	ScheduledStart
	task *sched.Task
}

// NewStartScheduler builds a scheduler over sup. store may be nil for
// in-memory-only operation.
func NewStartScheduler(sup *Supervisor, store ScheduleStore) *StartScheduler {
	return &StartScheduler{
		sup:     sup,
		sched:   sched.New(),
		store:   store,
		log:     slog.Default().With(slog.String("component", "start_scheduler")),
		entries: make(map[string]*scheduledEntry),
	}
}

// Restore re-arms every persisted entry. Entries whose time has already
// passed fire immediately.
func (ss *StartScheduler) Restore(ctx context.Context) error {
	if ss.store == nil {
		return nil
	}
	entries, err := ss.store.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, e := range entries {
		ss.arm(e)
	}
	if len(entries) > 0 {
		ss.log.Info("restored scheduled stream starts", slog.Int("count", len(entries)))
	}
	return nil
}

// Schedule parks req until at. The returned id cancels the entry.
func (ss *StartScheduler) Schedule(at time.Time, req StartRequest) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("schedule: empty session id")
	}
	id := uuid.NewString()
	ss.arm(ScheduledStart{ID: id, At: at, Request: req})
	ss.persist()

	ss.log.Info("stream start scheduled",
		slog.String("schedule_id", id),
		slog.String("session_id", req.SessionID),
		slog.Time("at", at))
	return id, nil
}

func (ss *StartScheduler) arm(e ScheduledStart) {
	delay := time.Until(e.At)
	if delay < 0 {
		delay = 0
	}
	ss.mu.Lock()
	entry := &scheduledEntry{ScheduledStart: e}
	entry.task = ss.sched.After(delay, func() { ss.fire(e.ID) })
	ss.entries[e.ID] = entry
	ss.mu.Unlock()
}

func (ss *StartScheduler) fire(id string) {
	ss.mu.Lock()
	entry, ok := ss.entries[id]
	if ok {
		delete(ss.entries, id)
	}
	ss.mu.Unlock()
	if !ok {
		return
	}
	ss.persist()

	if _, err := ss.sup.Start(context.Background(), entry.Request); err != nil {
		ss.log.Error("scheduled stream start failed",
			slog.String("schedule_id", id),
			slog.String("session_id", entry.Request.SessionID),
			slog.Any("err", err))
	}
}

// Cancel removes a pending entry. Cancelling an unknown or fired id is a no-op
// reported by the return value.
func (ss *StartScheduler) Cancel(id string) bool {
	ss.mu.Lock()
	entry, ok := ss.entries[id]
	if ok {
		entry.task.Cancel()
		delete(ss.entries, id)
	}
	ss.mu.Unlock()
	if ok {
		ss.persist()
	}
	return ok
}

// List returns pending entries ordered by fire time.
func (ss *StartScheduler) List() []ScheduledStart {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]ScheduledStart, 0, len(ss.entries))
	for _, e := range ss.entries {
		out = append(out, e.ScheduledStart)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].At.Before(out[j-1].At); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CancelAll drops every pending timer without touching the store, so entries
// come back on the next Restore. This is the shutdown path.
func (ss *StartScheduler) CancelAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for id, e := range ss.entries {
		e.task.Cancel()
		delete(ss.entries, id)
	}
}

// persist writes the current pending set through the store, best effort.
func (ss *StartScheduler) persist() {
	if ss.store == nil {
		return
	}
	entries := ss.List()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ss.store.SaveSchedules(ctx, entries); err != nil {
		ss.log.Warn("failed to persist scheduled starts", slog.Any("err", err))
	}
}
