// Package ingest turns submitted photos into staged, watermarked items.
//
// Each photo is resolved to a downloadable URL, rendered by the watermark
// service with a bounded retry budget, given an outgoing caption, and
// counted. The Handle* entry points additionally stage the results and echo
// them back to the submitter.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/watermark-relay/internal/caption"
	"github.com/fpang/watermark-relay/internal/metrics"
	"github.com/fpang/watermark-relay/internal/settings"
	"github.com/fpang/watermark-relay/internal/staging"
	"github.com/fpang/watermark-relay/internal/telegram"
	"github.com/fpang/watermark-relay/internal/watermark"
)

// MaxAttempts is the total number of renderer calls per photo.
const MaxAttempts = 3

// defaultConcurrency bounds in-flight renders for one media group.
const defaultConcurrency = 10

// FailureNotice is sent to the submitter when nothing could be watermarked.
const FailureNotice = "Failed to watermark the image."

// ErrWatermarkExhausted is returned when every render attempt failed.
var ErrWatermarkExhausted = errors.New("watermark retries exhausted")

// Resolver turns a Telegram file id into a URL the renderer can fetch.
type Resolver interface {
	ResolveFileURL(ctx context.Context, fileID string) (string, error)
}

// Renderer applies the watermark. Failures that should be retried wrap
// watermark.ErrRender.
type Renderer interface {
	Apply(ctx context.Context, sourceURL string, ratio float64) ([]byte, error)
}

// Stager receives successfully processed items.
type Stager interface {
	Append(item staging.Item) error
	AppendAll(items []staging.Item) error
}

// Acknowledger echoes results back to the submitter.
type Acknowledger interface {
	SendMessage(ctx context.Context, chat telegram.ChatID, text string, markup *telegram.InlineKeyboardMarkup) error
	SendPhoto(ctx context.Context, chat telegram.ChatID, image []byte, caption string) error
	SendMediaGroup(ctx context.Context, chat telegram.ChatID, photos []telegram.InputPhoto) error
}

// Photo is one submitted photo.
type Photo struct {
	FileID string
}

// Result is the outcome for one member of a group, in submission order.
type Result struct {
	Item staging.Item
	Err  error
}

// Options wires a Handler.
type Options struct {
	Resolver    Resolver
	Renderer    Renderer
	Settings    *settings.Settings
	Counters    *settings.Counters
	Stager      Stager
	Ack         Acknowledger
	Metrics     *metrics.Collectors
	Concurrency int
}

// Handler processes single photos and media groups.
type Handler struct {
	resolver    Resolver
	renderer    Renderer
	settings    *settings.Settings
	counters    *settings.Counters
	stager      Stager
	ack         Acknowledger
	metrics     *metrics.Collectors
	concurrency int

	now   func() time.Time
	newID func() string
}

// NewHandler creates an ingestion handler.
func NewHandler(opts Options) *Handler {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Handler{
		resolver:    opts.Resolver,
		renderer:    opts.Renderer,
		settings:    opts.Settings,
		counters:    opts.Counters,
		stager:      opts.Stager,
		ack:         opts.Ack,
		metrics:     opts.Metrics,
		concurrency: concurrency,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// ProcessOne watermarks one photo and builds its staged item. It does not
// stage or acknowledge anything.
func (h *Handler) ProcessOne(ctx context.Context, photo Photo, originalCaption string) (staging.Item, error) {
	snap := h.settings.Snapshot()

	sourceURL, err := h.resolver.ResolveFileURL(ctx, photo.FileID)
	if err != nil {
		return staging.Item{}, fmt.Errorf("resolve photo %s: %w", photo.FileID, err)
	}

	image, err := h.render(ctx, photo.FileID, sourceURL, snap.MarkRatio)
	if err != nil {
		return staging.Item{}, err
	}

	h.counters.IncProcessed()
	h.metrics.PhotoProcessed()

	return staging.Item{
		ID:       h.newID(),
		Image:    image,
		Caption:  caption.Transform(originalCaption, snap.Header, snap.Footer),
		StagedAt: h.now(),
	}, nil
}

// render calls the renderer up to MaxAttempts times. Only render failures
// are retried; any other error is returned at once.
func (h *Handler) render(ctx context.Context, fileID, sourceURL string, ratio float64) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		image, err := h.renderer.Apply(ctx, sourceURL, ratio)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("fileId", fileID).Int("attempt", attempt).Msg("Watermark succeeded after retry")
			}
			return image, nil
		}
		if !errors.Is(err, watermark.ErrRender) {
			return nil, fmt.Errorf("render photo %s: %w", fileID, err)
		}
		lastErr = err
		log.Warn().Err(err).Str("fileId", fileID).Int("attempt", attempt).Int("maxAttempts", MaxAttempts).Msg("Watermark attempt failed")
	}
	return nil, fmt.Errorf("photo %s: %w after %d attempts: %w", fileID, ErrWatermarkExhausted, MaxAttempts, lastErr)
}

// ProcessGroup processes every photo concurrently, each with its own retry
// budget, and returns results in submission order. A failing member never
// affects its siblings.
func (h *Handler) ProcessGroup(ctx context.Context, photos []Photo, sharedCaption string) []Result {
	results := make([]Result, len(photos))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, p := range photos {
		g.Go(func() error {
			item, err := h.ProcessOne(ctx, p, sharedCaption)
			results[i] = Result{Item: item, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// HandleSingle processes one photo, stages it, and echoes it to chat. On
// failure the submitter gets FailureNotice and nothing is staged.
func (h *Handler) HandleSingle(ctx context.Context, chat telegram.ChatID, photo Photo, originalCaption string) error {
	start := h.now()
	rec := metrics.New("ingest").Dimension("Kind", "single")
	defer rec.Flush()

	item, err := h.ProcessOne(ctx, photo, originalCaption)
	if err != nil {
		logFailure(err, chat, photo)
		rec.Count("Failed", 1)
		h.notifyFailure(ctx, chat)
		return err
	}
	rec.Count("Succeeded", 1).Duration("LatencyMs", h.now().Sub(start))

	if err := h.stager.Append(item); err != nil {
		return fmt.Errorf("stage item: %w", err)
	}
	log.Info().Str("chatId", string(chat)).Str("itemId", item.ID).Msg("Photo watermarked and staged")

	if err := h.ack.SendPhoto(ctx, chat, item.Image, item.Caption); err != nil {
		return fmt.Errorf("acknowledge photo: %w", err)
	}
	return nil
}

// HandleGroup processes a media group. Failed members are dropped; the
// successful ones are staged in submission order once all members have
// settled and echoed back as one album.
func (h *Handler) HandleGroup(ctx context.Context, chat telegram.ChatID, photos []Photo, sharedCaption string) error {
	start := h.now()
	rec := metrics.New("ingest").Dimension("Kind", "group")
	defer rec.Flush()

	results := h.ProcessGroup(ctx, photos, sharedCaption)

	succeeded := make([]staging.Item, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			logFailure(r.Err, chat, photos[i])
			continue
		}
		succeeded = append(succeeded, r.Item)
	}
	rec.Count("Succeeded", len(succeeded)).
		Count("Failed", len(results)-len(succeeded)).
		Duration("LatencyMs", h.now().Sub(start))

	if len(succeeded) == 0 {
		h.notifyFailure(ctx, chat)
		return fmt.Errorf("media group of %d: %w", len(photos), ErrWatermarkExhausted)
	}

	if err := h.stager.AppendAll(succeeded); err != nil {
		return fmt.Errorf("stage items: %w", err)
	}
	log.Info().
		Str("chatId", string(chat)).
		Int("submitted", len(photos)).
		Int("staged", len(succeeded)).
		Msg("Media group watermarked and staged")

	return h.acknowledge(ctx, chat, succeeded)
}

// acknowledge echoes items to the submitter, as an album when possible.
func (h *Handler) acknowledge(ctx context.Context, chat telegram.ChatID, items []staging.Item) error {
	for start := 0; start < len(items); start += telegram.MaxMediaGroup {
		chunk := items[start:min(start+telegram.MaxMediaGroup, len(items))]
		var err error
		if len(chunk) == 1 {
			err = h.ack.SendPhoto(ctx, chat, chunk[0].Image, chunk[0].Caption)
		} else {
			err = h.ack.SendMediaGroup(ctx, chat, toInputPhotos(chunk))
		}
		if err != nil {
			return fmt.Errorf("acknowledge media group: %w", err)
		}
	}
	return nil
}

func (h *Handler) notifyFailure(ctx context.Context, chat telegram.ChatID) {
	if err := h.ack.SendMessage(ctx, chat, FailureNotice, nil); err != nil {
		log.Error().Err(err).Str("chatId", string(chat)).Msg("Failed to send failure notice")
	}
}

func logFailure(err error, chat telegram.ChatID, photo Photo) {
	evt := log.Error()
	msg := "Photo ingestion failed"
	if errors.Is(err, ErrWatermarkExhausted) {
		evt = log.Warn()
		msg = "Photo dropped after exhausting watermark attempts"
	}
	evt.Err(err).Str("chatId", string(chat)).Str("fileId", photo.FileID).Msg(msg)
}

func toInputPhotos(items []staging.Item) []telegram.InputPhoto {
	photos := make([]telegram.InputPhoto, len(items))
	for i, it := range items {
		photos[i] = telegram.InputPhoto{Image: it.Image, Caption: it.Caption}
	}
	return photos
}
