package autoreply

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Comment origins, informational only.
const (
	OriginNetwork = "network"
	OriginScrape  = "scrape"
)

// Comment is the normalized unit delivered by any comment source.
type Comment struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// SynthesizeID derives a stable comment id for sources that do not assign
// one. The timestamp is bucketed to the minute so jittered re-delivery of the
// same scraped comment maps to the same id.
func SynthesizeID(author, text string, ts time.Time) string {
	bucket := strconv.FormatInt(ts.UTC().Truncate(time.Minute).Unix(), 10)
	h := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(author)) + "|" + strings.TrimSpace(text) + "|" + bucket))
	return hex.EncodeToString(h[:])
}
