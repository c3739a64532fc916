package bot

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/ingest"
	"github.com/fpang/watermark-relay/internal/telegram"
)

// DefaultGroupFlushDelay is the quiet window after the last album member.
const DefaultGroupFlushDelay = 1500 * time.Millisecond

// GroupFlushFunc receives one complete media group. photos are in arrival
// order; caption is the first non-empty caption seen.
type GroupFlushFunc func(chat telegram.ChatID, photos []ingest.Photo, caption string)

// GroupCollector reassembles media groups. Telegram delivers each album
// member as its own update sharing a media_group_id; the collector buffers
// them and flushes once no new member arrived for the flush delay.
type GroupCollector struct {
	delay time.Duration
	flush GroupFlushFunc

	mu      sync.Mutex
	pending map[string]*pendingGroup

	// wg counts groups created but not yet flushed.
	wg sync.WaitGroup
}

type pendingGroup struct {
	chat    telegram.ChatID
	photos  []ingest.Photo
	caption string
	timer   *time.Timer
}

// NewGroupCollector creates a collector. A non-positive delay uses
// DefaultGroupFlushDelay.
func NewGroupCollector(delay time.Duration, flush GroupFlushFunc) *GroupCollector {
	if delay <= 0 {
		delay = DefaultGroupFlushDelay
	}
	return &GroupCollector{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

// Add buffers one album member and restarts the group's quiet window.
func (c *GroupCollector) Add(groupID string, chat telegram.ChatID, photo ingest.Photo, caption string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.pending[groupID]
	if !ok {
		g = &pendingGroup{chat: chat}
		c.pending[groupID] = g
		c.wg.Add(1)
		g.timer = time.AfterFunc(c.delay, func() { c.fire(groupID) })
	} else if g.timer.Stop() {
		// A timer that already fired is about to flush this group and
		// will pick up the member appended below.
		g.timer.Reset(c.delay)
	}

	g.photos = append(g.photos, photo)
	if g.caption == "" {
		g.caption = caption
	}
	log.Debug().Str("mediaGroupId", groupID).Int("members", len(g.photos)).Msg("Buffered media group member")
}

// fire runs exactly once per created group.
func (c *GroupCollector) fire(groupID string) {
	defer c.wg.Done()

	c.mu.Lock()
	g := c.pending[groupID]
	delete(c.pending, groupID)
	c.mu.Unlock()

	if g == nil {
		return
	}
	log.Debug().Str("mediaGroupId", groupID).Int("members", len(g.photos)).Msg("Flushing media group")
	c.flush(g.chat, g.photos, g.caption)
}

// FlushAll flushes every pending group now instead of waiting for its
// quiet window. Flushes run asynchronously; use Wait to block on them.
func (c *GroupCollector) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, g := range c.pending {
		if g.timer.Stop() {
			go c.fire(id)
		}
	}
}

// Pending returns the number of groups still buffering.
func (c *GroupCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until every created group has been flushed.
func (c *GroupCollector) Wait() {
	c.wg.Wait()
}
