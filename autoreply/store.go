package autoreply

import (
	"strings"
	"time"
)

// dedupSet is an insertion-ordered id set with a per-entry TTL and a bounded
// size, oldest-first evicted. Not safe for concurrent use; the engine mutex
// guards it.
type dedupSet struct {
	ttl      time.Duration
	maxSize  int
	order    []string
	lastSeen map[string]time.Time
}

const (
	dedupTTL     = 45 * time.Second
	dedupMaxSize = 1200
	dedupMaxAge  = 15 * time.Minute
)

func newDedupSet(ttl time.Duration, maxSize int) *dedupSet {
	return &dedupSet{ttl: ttl, maxSize: maxSize, lastSeen: make(map[string]time.Time)}
}

// remember records id at now, evicting expired and overflow entries.
func (d *dedupSet) remember(id string, now time.Time) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := d.lastSeen[id]; !ok {
		d.order = append(d.order, id)
	}
	d.lastSeen[id] = now
	d.prune(now)
}

// seen reports whether id was remembered within the TTL.
func (d *dedupSet) seen(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	ts, ok := d.lastSeen[id]
	if !ok {
		return false
	}
	return now.Sub(ts) < d.ttl
}

func (d *dedupSet) prune(now time.Time) {
	for len(d.order) > d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.lastSeen, oldest)
	}
	// Entries far past the TTL are dead weight either way.
	kept := d.order[:0]
	for _, id := range d.order {
		if now.Sub(d.lastSeen[id]) > dedupMaxAge {
			delete(d.lastSeen, id)
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}

func (d *dedupSet) size() int { return len(d.order) }

// userStat is the per-user rolling reply counter. The window restarts when
// the first reply after expiry lands, not on a fixed cadence.
type userStat struct {
	count       int
	lastAt      time.Time
	windowStart time.Time
}

// userStats tracks reply counts keyed by lowercased username. Not safe for
// concurrent use; the engine mutex guards it.
type userStats struct {
	window time.Duration
	rows   map[string]*userStat
}

const userWindow = 15 * time.Minute

func newUserStats(window time.Duration) *userStats {
	return &userStats{window: window, rows: make(map[string]*userStat)}
}

func (u *userStats) row(user string, now time.Time) *userStat {
	key := strings.ToLower(strings.TrimSpace(user))
	r, ok := u.rows[key]
	if !ok {
		r = &userStat{}
		u.rows[key] = r
	}
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= u.window {
		r.count = 0
		r.windowStart = now
	}
	return r
}

// allow reports whether user may receive another reply: the rolling counter
// is under max and, when cooldown > 0, enough time has passed since the last
// reply. Follow-up checks pass cooldown 0, matching immediate-reply ordering.
func (u *userStats) allow(user string, now time.Time, cooldown time.Duration, max int) bool {
	if strings.TrimSpace(user) == "" {
		return false
	}
	r := u.row(user, now)
	if cooldown > 0 && !r.lastAt.IsZero() && now.Sub(r.lastAt) < cooldown {
		return false
	}
	return r.count < max
}

// record counts one reply to user.
func (u *userStats) record(user string, now time.Time) {
	if strings.TrimSpace(user) == "" {
		return
	}
	r := u.row(user, now)
	r.count++
	r.lastAt = now
}
