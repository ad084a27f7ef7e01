// Package resolver turns a requested stream source into something the
// encoder can read directly. Local paths and plain http(s) URLs pass
// through; YouTube links are resolved to a direct media URL with yt-dlp,
// trying a ladder of player clients before giving up.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	httpURLRe    = regexp.MustCompile(`(?i)^https?://`)
	youtubeURLRe = regexp.MustCompile(`(?i)(?:youtube\.com|youtu\.be)`)
)

// IsHTTPURL reports whether value looks like an http(s) URL.
func IsHTTPURL(value string) bool {
	return httpURLRe.MatchString(strings.TrimSpace(value))
}

// IsYouTubeURL reports whether value points at YouTube.
func IsYouTubeURL(value string) bool {
	return youtubeURLRe.MatchString(strings.TrimSpace(value))
}

// Source is a resolved stream input.
type Source struct {
	Provider    string `json:"provider"` // "direct" or "youtube"
	OriginalURL string `json:"originalUrl"`
	ResolvedURL string `json:"resolvedUrl"`
}

// runFunc executes the resolver binary; swapped out in tests.
type runFunc func(ctx context.Context, bin string, args []string) (stdout, stderr string, err error)

// Resolver resolves remote sources via yt-dlp.
type Resolver struct {
	Binary      string
	Timeout     time.Duration
	Proxy       string
	CookiesFile string

	run          runFunc
	warnNoCookie sync.Once
	log          *slog.Logger
}

const (
	defaultTimeout = 10 * time.Minute
	minTimeout     = 30 * time.Second
	maxTimeout     = 30 * time.Minute
)

// NewFromEnv builds a resolver from YT_DLP_BIN, YTDLP_TIMEOUT_MS,
// YTDLP_PROXY and YTDLP_COOKIES_FILE.
func NewFromEnv() *Resolver {
	r := &Resolver{
		Binary:      strings.TrimSpace(os.Getenv("YT_DLP_BIN")),
		Timeout:     defaultTimeout,
		Proxy:       strings.TrimSpace(os.Getenv("YTDLP_PROXY")),
		CookiesFile: strings.TrimSpace(os.Getenv("YTDLP_COOKIES_FILE")),
		log:         slog.Default().With(slog.String("component", "resolver")),
	}
	if r.Binary == "" {
		r.Binary = "yt-dlp"
	}
	if s := os.Getenv("YTDLP_TIMEOUT_MS"); s != "" {
		if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
			d := time.Duration(ms) * time.Millisecond
			if d < minTimeout {
				d = minTimeout
			}
			if d > maxTimeout {
				d = maxTimeout
			}
			r.Timeout = d
		}
	}
	r.run = r.execRun
	return r
}

// Resolve maps an input to a Source the encoder can open. Local file paths
// are accepted as-is with provider "direct". Anything else must be an
// http(s) URL; YouTube links go through yt-dlp.
func (r *Resolver) Resolve(ctx context.Context, input string) (Source, error) {
	src := strings.TrimSpace(input)
	if src == "" {
		return Source{}, errors.New("source is empty")
	}
	if !IsHTTPURL(src) {
		if _, err := os.Stat(src); err == nil {
			return Source{Provider: "direct", OriginalURL: src, ResolvedURL: src}, nil
		}
		return Source{}, fmt.Errorf("source %q is neither a readable file nor an http(s) url", src)
	}
	if !IsYouTubeURL(src) {
		return Source{Provider: "direct", OriginalURL: src, ResolvedURL: src}, nil
	}
	resolved, err := r.resolveYouTube(ctx, src)
	if err != nil {
		return Source{}, fmt.Errorf("resolve youtube source: %w", err)
	}
	return Source{Provider: "youtube", OriginalURL: src, ResolvedURL: resolved}, nil
}

type attempt struct {
	name string
	args []string
}

func (r *Resolver) commonArgs() []string {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--force-ipv4",
		"--retries", "10",
		"--fragment-retries", "10",
		"--retry-sleep", "2",
	}
	if r.Proxy != "" {
		args = append(args, "--proxy", r.Proxy)
	}
	if r.CookiesFile != "" {
		if _, err := os.Stat(r.CookiesFile); err == nil {
			args = append(args, "--cookies", r.CookiesFile)
		} else {
			r.warnNoCookie.Do(func() {
				r.logger().Warn("cookies file configured but not found", slog.String("path", r.CookiesFile))
			})
		}
	}
	return args
}

func (r *Resolver) resolveAttempts(sourceURL string) []attempt {
	common := r.commonArgs()
	mk := func(name string, extra ...string) attempt {
		args := append(append([]string{}, common...), extra...)
		return attempt{name: name, args: append(args, "-f", "best", "-g", sourceURL)}
	}
	return []attempt{
		mk("android-best", "--extractor-args", "youtube:player_client=android"),
		mk("web-best", "--extractor-args", "youtube:player_client=web"),
		mk("plain-best"),
	}
}

func (r *Resolver) resolveYouTube(ctx context.Context, sourceURL string) (string, error) {
	stdout, err := r.runAttempts(ctx, sourceURL, r.resolveAttempts(sourceURL))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && IsHTTPURL(line) {
			return line, nil
		}
	}
	return "", errors.New("yt-dlp returned no direct media url")
}

// runAttempts walks the attempt ladder and returns the first success. All
// failures are merged into one error so the caller sees the whole picture.
func (r *Resolver) runAttempts(ctx context.Context, sourceURL string, attempts []attempt) (string, error) {
	var failures []string
	for _, a := range attempts {
		stdout, _, err := r.run(ctx, r.Binary, a.args)
		if err == nil {
			return stdout, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := normalizeErrorMessage(err.Error())
		failures = append(failures, fmt.Sprintf("[%s] %s", a.name, msg))
		r.logger().Warn("yt-dlp attempt failed",
			slog.String("attempt", a.name),
			slog.String("source", sourceURL),
			slog.String("err", msg))
	}
	merged := strings.Join(failures, " | ")
	if merged == "" {
		merged = "yt-dlp failed without detail"
	}
	if IsYouTubeURL(sourceURL) && regexp.MustCompile(`(?i)403|forbidden`).MatchString(merged) {
		merged += " (YouTube returned 403; update yt-dlp or set YTDLP_COOKIES_FILE for restricted videos)"
	}
	if len(merged) > 1800 {
		merged = merged[:1800]
	}
	return "", errors.New(merged)
}

// execRun runs the binary with a hard timeout, capturing both streams.
func (r *Resolver) execRun(ctx context.Context, bin string, args []string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("yt-dlp timeout after %s", r.Timeout)
	}
	if err != nil {
		detail := normalizeErrorMessage(stderr.String())
		if detail == "" {
			detail = normalizeErrorMessage(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return stdout.String(), stderr.String(), errors.New(detail)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.log != nil {
		return r.log
	}
	return slog.Default()
}

// normalizeErrorMessage collapses whitespace and bounds length so merged
// attempt errors stay readable in logs and API responses.
func normalizeErrorMessage(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
