// Package autoreply implements the live-comment auto-reply engine: a polling
// loop that deduplicates inbound comments, rate-limits replies per user,
// selects a templated or generated reply, and schedules delayed follow-ups.
package autoreply

import (
	"strings"
	"unicode/utf8"
)

// Reply selection modes.
const (
	ModeTemplateFirst = "template_first"
	ModeTemplateOnly  = "template_only"
	ModeAIOnly        = "ai_only"
)

// Template pairs a keyword list with a reply body. A comment matches when any
// keyword is a case-insensitive substring of its text.
type Template struct {
	ID       string   `json:"id"`
	Keywords []string `json:"keywords"`
	Reply    string   `json:"reply"`
}

// Config is the operator-tunable reply policy. Always pass it through
// Sanitize before use; field bounds are documented there.
type Config struct {
	Enabled           bool       `json:"enabled"`
	Mode              string     `json:"mode"`
	CooldownSec       int        `json:"cooldownSec"`
	MaxRepliesPerUser int        `json:"maxRepliesPerUser"`
	RepliesPerComment int        `json:"repliesPerComment"`
	FollowUpEnabled   bool       `json:"followUpEnabled"`
	FollowUpDelaySec  int        `json:"followUpDelaySec"`
	PollMs            int        `json:"pollMs"`
	PriceText         string     `json:"priceText"`
	SystemPrompt      string     `json:"systemPrompt"`
	Templates         []Template `json:"templates"`
	FollowUpTemplates []string   `json:"followUpTemplates"`
}

const defaultSystemPrompt = "You are the admin of a live shopping stream. Reply briefly and warmly, focus on closing the sale, and invite viewers to DM or check out."

// DefaultConfig returns the built-in policy used when nothing is persisted.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		Mode:              ModeTemplateFirst,
		CooldownSec:       20,
		MaxRepliesPerUser: 2,
		RepliesPerComment: 1,
		FollowUpEnabled:   false,
		FollowUpDelaySec:  18,
		PollMs:            7000,
		PriceText:         "",
		SystemPrompt:      defaultSystemPrompt,
		Templates: []Template{
			{ID: "price", Keywords: []string{"price", "cost", "how much"}, Reply: "Hi @{username}, the price is {price}. DM us to check out!"},
			{ID: "stock", Keywords: []string{"stock", "available", "in stock"}, Reply: "Still available @{username}! DM us now to grab yours."},
			{ID: "order", Keywords: []string{"order", "buy", "checkout"}, Reply: "Sure @{username}, just DM the admin to place your order."},
		},
		FollowUpTemplates: []string{
			"Hey @{username}, DM us whenever you're ready to check out.",
			"Stock is moving fast @{username}, grab yours now if you like it!",
		},
	}
}

// Sanitize merges input over fallback, clamps every numeric field, validates
// the mode, and restores built-in templates when the list sanitizes to empty.
// The result is always safe to run the engine with.
func Sanitize(input, fallback Config) Config {
	def := DefaultConfig()
	out := Config{
		Enabled:         input.Enabled,
		FollowUpEnabled: input.FollowUpEnabled,
	}

	mode := strings.TrimSpace(input.Mode)
	if mode == "" {
		mode = fallback.Mode
	}
	switch mode {
	case ModeTemplateFirst, ModeTemplateOnly, ModeAIOnly:
		out.Mode = mode
	default:
		out.Mode = ModeTemplateFirst
	}

	out.CooldownSec = clampInt(pickInt(input.CooldownSec, fallback.CooldownSec, def.CooldownSec), 0, 600)
	out.MaxRepliesPerUser = clampInt(pickInt(input.MaxRepliesPerUser, fallback.MaxRepliesPerUser, def.MaxRepliesPerUser), 1, 20)
	out.RepliesPerComment = clampInt(pickInt(input.RepliesPerComment, fallback.RepliesPerComment, def.RepliesPerComment), 1, 5)
	out.FollowUpDelaySec = clampInt(pickInt(input.FollowUpDelaySec, fallback.FollowUpDelaySec, def.FollowUpDelaySec), 3, 600)
	out.PollMs = clampInt(pickInt(input.PollMs, fallback.PollMs, def.PollMs), 3000, 30000)

	out.PriceText = truncate(strings.TrimSpace(pickString(input.PriceText, fallback.PriceText)), 180)
	out.SystemPrompt = truncate(strings.TrimSpace(pickString(input.SystemPrompt, pickString(fallback.SystemPrompt, def.SystemPrompt))), 1200)

	templates := input.Templates
	if templates == nil {
		templates = fallback.Templates
	}
	out.Templates = cleanTemplates(templates)
	if len(out.Templates) == 0 {
		out.Templates = def.Templates
	}

	followUps := input.FollowUpTemplates
	if followUps == nil {
		followUps = fallback.FollowUpTemplates
	}
	out.FollowUpTemplates = cleanFollowUps(followUps)
	if len(out.FollowUpTemplates) == 0 {
		out.FollowUpTemplates = def.FollowUpTemplates
	}

	return out
}

func cleanTemplates(in []Template) []Template {
	out := make([]Template, 0, len(in))
	for _, t := range in {
		reply := truncate(strings.TrimSpace(t.Reply), 300)
		keys := make([]string, 0, len(t.Keywords))
		for _, k := range t.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, truncate(k, 60))
			}
		}
		if reply == "" || len(keys) == 0 {
			continue
		}
		out = append(out, Template{ID: strings.TrimSpace(t.ID), Keywords: keys, Reply: reply})
	}
	return out
}

func cleanFollowUps(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = truncate(strings.TrimSpace(s), 300); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pickInt treats <=0 as unset, like the rest of the zero-value merge logic.
func pickInt(v, fallback, def int) int {
	if v > 0 {
		return v
	}
	if fallback > 0 {
		return fallback
	}
	return def
}

func pickString(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncate cuts s to max characters on a rune boundary.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
