// Package settings holds the operator-tunable state of the bot: watermark
// ratio, caption header and footer, registered channels, and the processed
// image counter. Values live for the lifetime of the process and are never
// persisted.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultMarkRatio is the overlay ratio used until an operator changes it.
const DefaultMarkRatio = 0.5

var (
	// ErrRatioOutOfRange is returned when a ratio is outside (0,1].
	ErrRatioOutOfRange = errors.New("ratio must be greater than 0 and at most 1")

	// ErrEmptyChannel is returned when a channel normalizes to nothing.
	ErrEmptyChannel = errors.New("channel name is empty")
)

// Snapshot is an immutable copy of the settings taken under the read lock.
type Snapshot struct {
	MarkRatio float64
	Header    string
	Footer    string
	Channels  []string
}

// Settings is the process-wide configuration state. Safe for concurrent use.
type Settings struct {
	mu        sync.RWMutex
	markRatio float64
	header    string
	footer    string
	channels  []string
}

// ValidRatio reports whether ratio lies in (0,1]. NaN is never valid.
func ValidRatio(ratio float64) bool {
	return ratio > 0 && ratio <= 1
}

// New returns settings initialized to defaults. A ratio outside (0,1] falls
// back to DefaultMarkRatio.
func New(ratio float64) *Settings {
	if !ValidRatio(ratio) {
		ratio = DefaultMarkRatio
	}
	return &Settings{markRatio: ratio}
}

// Snapshot returns a copy of the current values.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		MarkRatio: s.markRatio,
		Header:    s.header,
		Footer:    s.footer,
		Channels:  slices.Clone(s.channels),
	}
}

// SetMarkRatio validates and stores the overlay ratio.
func (s *Settings) SetMarkRatio(ratio float64) error {
	if !ValidRatio(ratio) {
		return fmt.Errorf("set mark ratio %g: %w", ratio, ErrRatioOutOfRange)
	}
	s.mu.Lock()
	s.markRatio = ratio
	s.mu.Unlock()
	return nil
}

// SetHeader stores the caption header. An empty string clears it.
func (s *Settings) SetHeader(header string) {
	s.mu.Lock()
	s.header = header
	s.mu.Unlock()
}

// SetFooter stores the caption footer. An empty string clears it.
func (s *Settings) SetFooter(footer string) {
	s.mu.Lock()
	s.footer = footer
	s.mu.Unlock()
}

// AddChannel normalizes and registers a channel. It returns the stored name
// and whether it was newly added; registering an existing channel is a no-op.
func (s *Settings) AddChannel(raw string) (string, bool, error) {
	name := NormalizeChannel(raw)
	if name == "" {
		return "", false, ErrEmptyChannel
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.channels, name) {
		return name, false, nil
	}
	s.channels = append(s.channels, name)
	return name, true, nil
}

// Channels returns the registered channels in registration order.
func (s *Settings) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.channels)
}

// NormalizeChannel trims whitespace and one leading '@'. Case is preserved.
func NormalizeChannel(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.TrimPrefix(name, "@")
	return strings.TrimSpace(name)
}

// Counters tracks monotonically increasing process counters.
type Counters struct {
	processed atomic.Int64
}

// IncProcessed records one successfully watermarked photo.
func (c *Counters) IncProcessed() {
	c.processed.Add(1)
}

// Processed returns the number of successfully watermarked photos.
func (c *Counters) Processed() int64 {
	return c.processed.Load()
}
