package autoreply

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Generator produces AI replies. Configured reports whether the adapter has
// credentials; an unconfigured generator is silently skipped, never an error.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Configured() bool
}

const (
	maxReplyLen    = 170
	maxFollowUpLen = 160
)

// findTemplate returns the first template with any keyword matching the
// comment text case-insensitively, or nil.
func findTemplate(templates []Template, text string) *Template {
	lower := strings.ToLower(text)
	for i := range templates {
		for _, key := range templates[i].Keywords {
			if key != "" && strings.Contains(lower, strings.ToLower(key)) {
				return &templates[i]
			}
		}
	}
	return nil
}

// renderTemplate substitutes the {username}, {message} and {price}
// placeholders.
func renderTemplate(tpl, username, message, price string) string {
	if strings.TrimSpace(price) == "" {
		price = "-"
	}
	r := strings.NewReplacer(
		"{username}", strings.TrimSpace(username),
		"{message}", strings.TrimSpace(message),
		"{price}", strings.TrimSpace(price),
	)
	return strings.TrimSpace(r.Replace(tpl))
}

// chooseReply picks the immediate reply per mode. An empty string means no
// reply; only transport/generator failures surface as errors.
func chooseReply(ctx context.Context, cfg Config, gen Generator, c Comment) (string, error) {
	tpl := findTemplate(cfg.Templates, c.Text)

	switch cfg.Mode {
	case ModeTemplateOnly:
		if tpl == nil {
			return "", nil
		}
		return renderTemplate(tpl.Reply, c.Author, c.Text, cfg.PriceText), nil
	case ModeAIOnly:
		if gen == nil || !gen.Configured() {
			return "", nil
		}
		return generateReply(ctx, cfg, gen, c)
	default: // template_first
		if tpl != nil {
			return renderTemplate(tpl.Reply, c.Author, c.Text, cfg.PriceText), nil
		}
		if gen == nil || !gen.Configured() {
			return "", nil
		}
		return generateReply(ctx, cfg, gen, c)
	}
}

func generateReply(ctx context.Context, cfg Config, gen Generator, c Comment) (string, error) {
	price := cfg.PriceText
	if strings.TrimSpace(price) == "" {
		price = "-"
	}
	system := cfg.SystemPrompt + "\n" +
		"Answer in one short sentence (at most 160 characters), no excessive emoji, casual sales tone.\n" +
		"If relevant, mention the price: " + price + "."
	user := fmt.Sprintf("Viewer comment from @%s: %q.\nWrite a friendly, clear admin reply that nudges the viewer toward checkout or DM.",
		strings.TrimSpace(c.Author), strings.TrimSpace(c.Text))
	raw, err := gen.Generate(ctx, system, user)
	if err != nil {
		return "", err
	}
	return clampText(raw, maxReplyLen), nil
}

// chooseFollowUp picks the step-th follow-up (step starts at 1). Templates
// are cycled by step index; a rendered text identical to the previous reply
// falls through to the generator, which must also produce something distinct.
func chooseFollowUp(ctx context.Context, cfg Config, gen Generator, c Comment, previous string, step int) (string, error) {
	if len(cfg.FollowUpTemplates) > 0 {
		idx := (step - 1) % len(cfg.FollowUpTemplates)
		if idx < 0 {
			idx = 0
		}
		rendered := renderTemplate(cfg.FollowUpTemplates[idx], c.Author, c.Text, cfg.PriceText)
		if rendered != "" && rendered != previous {
			return rendered, nil
		}
	}

	if gen == nil || !gen.Configured() {
		return "", nil
	}
	price := cfg.PriceText
	if strings.TrimSpace(price) == "" {
		price = "-"
	}
	system := cfg.SystemPrompt + "\n" +
		"This is a follow-up to a live comment. Answer in one short sentence (at most 140 characters), polite, no spam, still nudging toward checkout or DM."
	user := fmt.Sprintf("Original comment from @%s: %q.\nPrevious reply: %q.\nThis is follow-up #%d. Price info: %s.\nWrite a natural follow-up; do not repeat the previous reply.",
		strings.TrimSpace(c.Author), strings.TrimSpace(c.Text), previous, step, price)
	raw, err := gen.Generate(ctx, system, user)
	if err != nil {
		return "", err
	}
	text := clampText(raw, maxFollowUpLen)
	if text == previous {
		return "", nil
	}
	return text, nil
}

// clampText collapses runs of whitespace and truncates to max characters,
// never splitting a multibyte rune.
func clampText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > max {
		s = strings.TrimSpace(string([]rune(s)[:max]))
	}
	return s
}
