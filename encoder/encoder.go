// Package encoder builds the external encoder invocation for a stream session:
// it normalizes requested settings (resolution, bitrate, fps), applies an
// optional light-mode cap profile, and produces the full ordered argument list
// including the output stage (single destination or tee fan-out). It performs
// no I/O and holds no state.
package encoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Defaults applied when a request omits or mangles a setting.
const (
	DefaultWidth       = 1280
	DefaultHeight      = 720
	DefaultFPS         = 30
	DefaultBitrateKbps = 2500
)

// ConfigError reports invalid stream configuration detected before any
// process is spawned. It is never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "stream config: " + e.Reason }

// Settings are the requested encode parameters as received from a caller.
// Bitrate and FPS arrive as strings ("2500k", "30") for parity with stored
// per-video rows; Normalize turns them into concrete numbers.
type Settings struct {
	Resolution string `json:"resolution"` // "WxH"
	Bitrate    string `json:"bitrate"`    // e.g. "2500k"
	FPS        string `json:"fps"`        // e.g. "30"
}

// LightProfile caps output parameters for constrained hosts. When a cap
// reduces anything, Normalized.Adjusted is set so callers can log it.
type LightProfile struct {
	MaxWidth       int
	MaxHeight      int
	MaxFPS         int
	MaxBitrateKbps int
	Preset         string // encoder preset override, e.g. "ultrafast"
	AudioBitrate   string // e.g. "96k"
}

// Normalized holds the concrete encoder parameters after sanitization.
type Normalized struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	BufSizeKbps int // always 2 x bitrate
	GOP         int // always 2 x fps
	Adjusted    bool
}

// Resolution returns the normalized "WxH" string.
func (n Normalized) Resolution() string { return fmt.Sprintf("%dx%d", n.Width, n.Height) }

// evenDown forces a dimension even by decrementing odd values.
func evenDown(v int) int {
	if v%2 != 0 {
		return v - 1
	}
	return v
}

// parseResolution accepts "WxH" and falls back to defaults on malformed input.
func parseResolution(raw string) (int, int) {
	parts := strings.SplitN(strings.TrimSpace(strings.ToLower(raw)), "x", 2)
	if len(parts) != 2 {
		return DefaultWidth, DefaultHeight
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return DefaultWidth, DefaultHeight
	}
	return w, h
}

// parseBitrateKbps accepts "2500k", "2500", or "2.5M"-style values.
func parseBitrateKbps(raw string) int {
	s := strings.TrimSpace(strings.ToLower(raw))
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"):
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		mult = 1000
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return DefaultBitrateKbps
	}
	return int(f * float64(mult))
}

func parseFPS(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultFPS
	}
	return n
}

// Normalize sanitizes requested settings into concrete encoder parameters.
// Dimensions are forced even. Width 854 is remapped to 852: existing consumers
// depend on the 852 output size, so the quirk is load-bearing.
func Normalize(s Settings, light *LightProfile) Normalized {
	w, h := parseResolution(s.Resolution)
	w = evenDown(w)
	h = evenDown(h)
	if w == 854 {
		w = 852
	}

	n := Normalized{
		Width:       w,
		Height:      h,
		FPS:         parseFPS(s.FPS),
		BitrateKbps: parseBitrateKbps(s.Bitrate),
	}

	if light != nil {
		n = applyLightProfile(n, light)
	}

	n.BufSizeKbps = n.BitrateKbps * 2
	n.GOP = n.FPS * 2
	return n
}

// applyLightProfile scales dimensions down to fit within the cap preserving
// aspect ratio, and clamps fps/bitrate.
func applyLightProfile(n Normalized, light *LightProfile) Normalized {
	if light.MaxWidth > 0 && light.MaxHeight > 0 && (n.Width > light.MaxWidth || n.Height > light.MaxHeight) {
		scaleW := float64(light.MaxWidth) / float64(n.Width)
		scaleH := float64(light.MaxHeight) / float64(n.Height)
		scale := scaleW
		if scaleH < scale {
			scale = scaleH
		}
		n.Width = evenDown(int(float64(n.Width) * scale))
		n.Height = evenDown(int(float64(n.Height) * scale))
		n.Adjusted = true
	}
	if light.MaxFPS > 0 && n.FPS > light.MaxFPS {
		n.FPS = light.MaxFPS
		n.Adjusted = true
	}
	if light.MaxBitrateKbps > 0 && n.BitrateKbps > light.MaxBitrateKbps {
		n.BitrateKbps = light.MaxBitrateKbps
		n.Adjusted = true
	}
	return n
}

// Input describes the encoder's source.
type Input struct {
	Source string // local file path or http(s)/rtmp URL
	Remote bool   // true when Source is a remote URL
	Loop   bool   // loop playback; only honored for local files
}

// videoFilter scales to fit then pads to the exact target, centering the
// source, so the output always matches the negotiated WxH.
func videoFilter(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
}

// BuildArgs produces the full ordered encoder argument list for the given
// input, normalized settings, and destinations. An empty destination list is a
// ConfigError; no process may be spawned from it.
func BuildArgs(in Input, n Normalized, light *LightProfile, destinations []string) ([]string, error) {
	dests := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if v := strings.TrimSpace(d); v != "" {
			dests = append(dests, v)
		}
	}
	if len(dests) == 0 {
		return nil, &ConfigError{Reason: "no destinations"}
	}

	preset := "veryfast"
	audioBitrate := "128k"
	if light != nil {
		if light.Preset != "" {
			preset = light.Preset
		}
		if light.AudioBitrate != "" {
			audioBitrate = light.AudioBitrate
		}
	}

	var args []string
	if in.Remote {
		// Remote pulls pace themselves; ask the demuxer to ride out stalls
		// instead of real-time pacing.
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	} else {
		args = append(args, "-re")
		if in.Loop {
			args = append(args, "-stream_loop", "-1")
		}
	}

	args = append(args,
		"-thread_queue_size", "1024",
		"-i", in.Source,
		"-threads", "0",
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-profile:v", "high",
		"-b:v", fmt.Sprintf("%dk", n.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", n.BitrateKbps),
		"-minrate", fmt.Sprintf("%dk", n.BitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", n.BufSizeKbps),
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(n.GOP),
		"-r", strconv.Itoa(n.FPS),
		"-vf", videoFilter(n.Width, n.Height),
		"-c:a", "aac",
		"-ac", "2",
		"-ar", "44100",
		"-b:a", audioBitrate,
	)

	args = append(args, outputArgs(dests)...)
	return args, nil
}

// outputArgs selects the output stage. A single destination streams directly;
// two or more fan out through the tee muxer with per-branch onfail=ignore so
// one destination going down never aborts delivery to the others.
func outputArgs(dests []string) []string {
	if len(dests) == 1 {
		return []string{"-f", "flv", dests[0]}
	}
	branches := make([]string, 0, len(dests))
	for _, d := range dests {
		branches = append(branches, "[f=flv:onfail=ignore]"+d)
	}
	return []string{
		"-f", "tee",
		"-map", "0:v",
		"-map", "0:a",
		strings.Join(branches, "|"),
	}
}
