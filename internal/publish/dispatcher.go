// Package publish moves staged items to distribution channels on operator
// command.
//
// Publishing is a two-step exchange per operator chat. Begin checks that
// something can be published and returns one selectable option per
// registered channel; Select drains the bound number of items from the
// staging queue and delivers them to the chosen channel.
package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/watermark-relay/internal/metrics"
	"github.com/fpang/watermark-relay/internal/staging"
	"github.com/fpang/watermark-relay/internal/telegram"
)

// State is the per-chat dispatcher state.
type State int

const (
	Idle State = iota
	AwaitingSelection
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSelection:
		return "awaiting_selection"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrPublishBlocked is wrapped by every BlockedError.
	ErrPublishBlocked = errors.New("publish blocked")
	// ErrNothingStaged is the blocking reason when the staging queue is empty.
	ErrNothingStaged = errors.New("no staged images")
	// ErrNoChannels is the blocking reason when no channel is registered.
	ErrNoChannels = errors.New("no channels registered")
	// ErrNoPendingSelection is returned by Select when the chat is not
	// awaiting a selection, e.g. a button tapped twice.
	ErrNoPendingSelection = errors.New("no publish selection pending")
	// ErrUnknownSelection is returned by Select when the request was not one
	// of the options offered by Begin.
	ErrUnknownSelection = errors.New("selection was not offered")
)

// BlockedError reports why Begin could not start a publish.
type BlockedError struct {
	Reason error
}

func (e *BlockedError) Error() string {
	return "publish blocked: " + e.Reason.Error()
}

func (e *BlockedError) Unwrap() []error {
	return []error{ErrPublishBlocked, e.Reason}
}

// Store is the subset of the staging queue the dispatcher uses.
type Store interface {
	Size() (int, error)
	PeekAndRemove(n int) ([]staging.Item, error)
}

// ChannelSource lists registered channel names without the leading "@".
type ChannelSource interface {
	Channels() []string
}

// Sender delivers photos to a chat or channel.
type Sender interface {
	SendPhoto(ctx context.Context, chat telegram.ChatID, image []byte, caption string) error
	SendMediaGroup(ctx context.Context, chat telegram.ChatID, photos []telegram.InputPhoto) error
}

// Archiver keeps a copy of delivered items. Optional.
type Archiver interface {
	Archive(ctx context.Context, channel string, items []staging.Item) error
}

// Option is one selectable channel presented to the operator.
type Option struct {
	Label   string
	Request Request
}

// Report summarizes one Select.
type Report struct {
	Channel   string
	Delivered int
	Failed    int
}

// Summary is the operator-facing completion message.
func (r Report) Summary() string {
	switch {
	case r.Delivered == 0 && r.Failed == 0:
		return fmt.Sprintf("Nothing was published to @%s: no staged images.", r.Channel)
	case r.Failed == 0:
		return fmt.Sprintf("Posted %d image(s) to @%s", r.Delivered, r.Channel)
	default:
		return fmt.Sprintf("Posted %d image(s) to @%s, %d failed", r.Delivered, r.Channel, r.Failed)
	}
}

// Options wires a Dispatcher.
type Options struct {
	Store    Store
	Channels ChannelSource
	Sender   Sender
	Archiver Archiver // nil disables archiving
	Metrics  *metrics.Collectors

	// Interval is the minimum gap between outbound deliveries. Zero
	// disables pacing.
	Interval time.Duration
}

// Dispatcher runs the publish state machine. Safe for concurrent use.
type Dispatcher struct {
	store    Store
	channels ChannelSource
	sender   Sender
	archiver Archiver
	metrics  *metrics.Collectors
	limiter  *rate.Limiter

	mu      sync.Mutex
	// pending holds the requests offered to each chat awaiting a selection.
	pending map[telegram.ChatID][]Request
}

// NewDispatcher creates a dispatcher with every chat Idle.
func NewDispatcher(opts Options) *Dispatcher {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Dispatcher{
		store:    opts.Store,
		channels: opts.Channels,
		sender:   opts.Sender,
		archiver: opts.Archiver,
		metrics:  opts.Metrics,
		limiter:  rate.NewLimiter(limit, 1),
		pending:  make(map[telegram.ChatID][]Request),
	}
}

// State returns the current state for chat.
func (d *Dispatcher) State(chat telegram.ChatID) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[chat]; ok {
		return AwaitingSelection
	}
	return Idle
}

// Begin starts a publish for chat. requested <= 0 means all staged items;
// a positive count is capped at the current queue size. An empty queue is
// reported before missing channels.
func (d *Dispatcher) Begin(chat telegram.ChatID, requested int) ([]Option, error) {
	size, err := d.store.Size()
	if err != nil {
		return nil, fmt.Errorf("read staging size: %w", err)
	}
	if size == 0 {
		return nil, &BlockedError{Reason: ErrNothingStaged}
	}
	channels := d.channels.Channels()
	if len(channels) == 0 {
		return nil, &BlockedError{Reason: ErrNoChannels}
	}

	count := 0
	if requested > 0 {
		count = min(requested, size)
	}

	opts := make([]Option, len(channels))
	offered := make([]Request, len(channels))
	for i, ch := range channels {
		label := "@" + ch
		if count > 0 {
			label = fmt.Sprintf("@%s (%d)", ch, count)
		}
		offered[i] = Request{Channel: ch, Count: count}
		opts[i] = Option{Label: label, Request: offered[i]}
	}

	d.mu.Lock()
	d.pending[chat] = offered
	d.mu.Unlock()

	log.Info().
		Str("chatId", string(chat)).
		Int("staged", size).
		Int("count", count).
		Int("channels", len(channels)).
		Msg("Publish awaiting channel selection")
	return opts, nil
}

// Select completes the publish started by Begin. req must be one of the
// offered options; anything else is rejected and leaves the chat waiting.
// It drains req.Count items (all when zero) oldest first and delivers them
// to the channel. Delivery failures are counted in the report; drained items
// are never re-staged.
func (d *Dispatcher) Select(ctx context.Context, chat telegram.ChatID, req Request) (Report, error) {
	d.mu.Lock()
	offered, ok := d.pending[chat]
	if !ok {
		d.mu.Unlock()
		return Report{}, ErrNoPendingSelection
	}
	if !slices.Contains(offered, req) {
		d.mu.Unlock()
		log.Warn().Str("chatId", string(chat)).Str("channel", req.Channel).Int("count", req.Count).
			Msg("Rejected publish selection that was not offered")
		return Report{}, ErrUnknownSelection
	}
	delete(d.pending, chat)
	d.mu.Unlock()

	start := time.Now()
	rec := metrics.New("publish").Dimension("Channel", req.Channel)
	defer rec.Flush()

	report := Report{Channel: req.Channel}
	items, err := d.store.PeekAndRemove(req.Count)
	if err != nil {
		return report, fmt.Errorf("drain staging: %w", err)
	}
	if len(items) == 0 {
		log.Warn().Str("channel", req.Channel).Msg("Publish selected but staging is empty")
		return report, nil
	}

	delivered := d.deliver(ctx, req.Channel, items, &report)
	d.metrics.Published(req.Channel, report.Delivered, report.Failed)
	rec.Count("Delivered", report.Delivered).
		Count("Failed", report.Failed).
		Duration("LatencyMs", time.Since(start))

	if d.archiver != nil && len(delivered) > 0 {
		if err := d.archiver.Archive(ctx, req.Channel, delivered); err != nil {
			log.Error().Err(err).Str("channel", req.Channel).Msg("Failed to archive published items")
		}
	}

	log.Info().
		Str("channel", req.Channel).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Publish complete")
	return report, nil
}

// deliver sends items in album-sized chunks and returns the delivered ones.
func (d *Dispatcher) deliver(ctx context.Context, channel string, items []staging.Item, report *Report) []staging.Item {
	target := telegram.ChannelID(channel)
	delivered := make([]staging.Item, 0, len(items))

	for _, chunk := range Chunk(items, telegram.MaxMediaGroup) {
		if err := d.limiter.Wait(ctx); err != nil {
			report.Failed += len(chunk)
			log.Error().Err(err).Str("channel", channel).Int("items", len(chunk)).Msg("Publish pacing interrupted")
			continue
		}

		var err error
		if len(chunk) == 1 {
			err = d.sender.SendPhoto(ctx, target, chunk[0].Image, chunk[0].Caption)
		} else {
			photos := make([]telegram.InputPhoto, len(chunk))
			for i, it := range chunk {
				photos[i] = telegram.InputPhoto{Image: it.Image, Caption: it.Caption}
			}
			err = d.sender.SendMediaGroup(ctx, target, photos)
		}
		if err != nil {
			report.Failed += len(chunk)
			log.Error().Err(err).Str("channel", channel).Int("items", len(chunk)).Msg("Failed to deliver to channel")
			continue
		}
		report.Delivered += len(chunk)
		delivered = append(delivered, chunk...)
	}
	return delivered
}

// Chunk splits items into consecutive runs of at most size, preserving order.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		chunks = append(chunks, items[start:min(start+size, len(items))])
	}
	return chunks
}
