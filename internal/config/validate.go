package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// MaxDimension bounds texture width and height (D3D11 feature level 11_0 limit).
const MaxDimension = 16384

var knownBackends = map[string]bool{
	"auto":  true,
	"d3d11": true,
	"soft":  true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop startup,
// and warnings, which were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// Validate checks the config and returns every problem found, fatal or not.
// Out-of-range values are clamped and each problem is logged as a warning.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := make([]error, 0, len(result.Fatals)+len(result.Warnings))
	errs = append(errs, result.Fatals...)
	errs = append(errs, result.Warnings...)

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config, clamping numeric values into range.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	backend := strings.ToLower(strings.TrimSpace(c.GPU.Backend))
	if backend == "" {
		backend = "auto"
	}
	if !knownBackends[backend] {
		r.Fatals = append(r.Fatals, fmt.Errorf("gpu.backend %q is not valid (use auto, d3d11 or soft)", c.GPU.Backend))
	}
	c.GPU.Backend = backend

	c.GPU.DefaultWidth = clamp(&r, "gpu.default_width", c.GPU.DefaultWidth, 1, MaxDimension)
	c.GPU.DefaultHeight = clamp(&r, "gpu.default_height", c.GPU.DefaultHeight, 1, MaxDimension)

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
		c.Log.Level = "info"
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
		c.Log.Format = "text"
	}
	if c.Log.File != "" {
		c.Log.MaxSizeMB = clamp(&r, "log.max_size_mb", c.Log.MaxSizeMB, 1, 1024)
		c.Log.MaxBackups = clamp(&r, "log.max_backups", c.Log.MaxBackups, 1, 50)
	}

	c.Playback.Frames = clamp(&r, "playback.frames", c.Playback.Frames, 1, 10_000_000)
	c.Playback.FPS = clamp(&r, "playback.fps", c.Playback.FPS, 1, 240)
	c.Playback.Readers = clamp(&r, "playback.readers", c.Playback.Readers, 1, 64)
	if c.Playback.ResizeEvery < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("playback.resize_every %d is negative, disabling resizes", c.Playback.ResizeEvery))
		c.Playback.ResizeEvery = 0
	}
	for _, s := range c.Playback.Sizes {
		if _, _, err := ParseSize(s); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("playback.sizes: %w", err))
		}
	}
	if c.Playback.ResizeEvery > 0 && len(c.Playback.Sizes) == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("playback.resize_every is set but playback.sizes is empty"))
	}

	return r
}

// ParseSize parses "WIDTHxHEIGHT" (e.g. "1920x1080").
func ParseSize(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	if width, err = strconv.Atoi(w); err != nil {
		return 0, 0, fmt.Errorf("size %q: bad width: %w", s, err)
	}
	if height, err = strconv.Atoi(h); err != nil {
		return 0, 0, fmt.Errorf("size %q: bad height: %w", s, err)
	}
	if width < 1 || height < 1 || width > MaxDimension || height > MaxDimension {
		return 0, 0, fmt.Errorf("size %q out of range 1..%d", s, MaxDimension)
	}
	return width, height, nil
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	switch {
	case v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	case v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
