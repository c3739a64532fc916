// Package bot routes Telegram updates to the watermark pipeline.
//
// Photos go to the ingestion handler (album members are first reassembled
// by a GroupCollector), text commands adjust runtime settings or start a
// publish, and inline-keyboard taps complete the publish. Updates arrive
// either from a Poller or from the webhook handler; both call Dispatch.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/ingest"
	"github.com/fpang/watermark-relay/internal/publish"
	"github.com/fpang/watermark-relay/internal/settings"
	"github.com/fpang/watermark-relay/internal/telegram"
)

// API is the subset of the Bot API used for replies.
type API interface {
	SendMessage(ctx context.Context, chat telegram.ChatID, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, queryID, text string) error
}

// Ingester processes submitted photos.
type Ingester interface {
	HandleSingle(ctx context.Context, chat telegram.ChatID, photo ingest.Photo, caption string) error
	HandleGroup(ctx context.Context, chat telegram.ChatID, photos []ingest.Photo, caption string) error
}

// Publisher runs the publish state machine.
type Publisher interface {
	Begin(chat telegram.ChatID, requested int) ([]publish.Option, error)
	Select(ctx context.Context, chat telegram.ChatID, req publish.Request) (publish.Report, error)
}

// StagedCounter reports how many items are waiting to be published.
type StagedCounter interface {
	Size() (int, error)
}

// Options wires a Bot.
type Options struct {
	API             API
	Ingester        Ingester
	Publisher       Publisher
	Settings        *settings.Settings
	Counters        *settings.Counters
	Staged          StagedCounter
	GroupFlushDelay time.Duration
}

// Bot handles updates. Safe for concurrent use.
type Bot struct {
	api       API
	ingester  Ingester
	publisher Publisher
	settings  *settings.Settings
	counters  *settings.Counters
	staged    StagedCounter
	groups    *GroupCollector

	// ctx is detached from the update source so in-flight work survives the
	// poll loop stopping; Shutdown waits for it instead.
	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a Bot.
func New(opts Options) *Bot {
	b := &Bot{
		api:       opts.API,
		ingester:  opts.Ingester,
		publisher: opts.Publisher,
		settings:  opts.Settings,
		counters:  opts.Counters,
		staged:    opts.Staged,
		ctx:       context.Background(),
	}
	b.groups = NewGroupCollector(opts.GroupFlushDelay, b.flushGroup)
	return b
}

// Dispatch handles one update asynchronously. Album members are buffered
// before Dispatch returns so their arrival order is kept.
func (b *Bot) Dispatch(update telegram.Update) {
	if b.collect(update.Message) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Int64("updateId", update.UpdateID).Msg("Update handler panicked")
			}
		}()
		b.handle(b.ctx, update)
	}()
}

// Shutdown flushes buffered media groups and waits for in-flight updates
// until ctx is done.
func (b *Bot) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		// In-flight updates may still add album members, so drain them first.
		b.wg.Wait()
		b.groups.FlushAll()
		b.groups.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Bot drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int("pendingGroups", b.groups.Pending()).Msg("Bot shutdown timed out with work in flight")
		return ctx.Err()
	}
}

func (b *Bot) handle(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	default:
		log.Trace().Int64("updateId", u.UpdateID).Msg("Ignoring update")
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *telegram.Message) {
	chat := telegram.ChatIDFromInt(m.Chat.ID)

	if b.collect(m) {
		return
	}
	if photo, ok := m.LargestPhoto(); ok {
		p := ingest.Photo{FileID: photo.FileID}
		if err := b.ingester.HandleSingle(ctx, chat, p, m.Caption); err != nil {
			log.Error().Err(err).Str("chatId", string(chat)).Msg("Photo handling failed")
		}
		return
	}

	if name, args, ok := telegram.Command(m.Text); ok {
		b.runCommand(ctx, chat, name, args)
	}
}

// collect buffers m when it is a media group photo.
func (b *Bot) collect(m *telegram.Message) bool {
	if m == nil || m.MediaGroupID == "" {
		return false
	}
	photo, ok := m.LargestPhoto()
	if !ok {
		return false
	}
	b.groups.Add(m.MediaGroupID, telegram.ChatIDFromInt(m.Chat.ID), ingest.Photo{FileID: photo.FileID}, m.Caption)
	return true
}

func (b *Bot) flushGroup(chat telegram.ChatID, photos []ingest.Photo, caption string) {
	if err := b.ingester.HandleGroup(b.ctx, chat, photos, caption); err != nil {
		log.Error().Err(err).Str("chatId", string(chat)).Int("photos", len(photos)).Msg("Media group handling failed")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	if !publish.IsRequest(q.Data) || q.Message == nil {
		b.answer(ctx, q.ID, "")
		return
	}

	req, err := publish.ParseRequest(q.Data)
	if err != nil {
		log.Warn().Err(err).Str("data", q.Data).Msg("Malformed callback data")
		b.answer(ctx, q.ID, "Invalid selection.")
		return
	}

	chat := telegram.ChatIDFromInt(q.Message.Chat.ID)
	report, err := b.publisher.Select(ctx, chat, req)
	switch {
	case errors.Is(err, publish.ErrNoPendingSelection):
		b.answer(ctx, q.ID, "This selection has expired. Use /postnow again.")
		return
	case errors.Is(err, publish.ErrUnknownSelection):
		b.answer(ctx, q.ID, "Invalid selection.")
		return
	case err != nil:
		log.Error().Err(err).Str("channel", req.Channel).Msg("Publish failed")
		b.answer(ctx, q.ID, "Publish failed.")
		return
	}

	b.answer(ctx, q.ID, "")
	b.reply(ctx, chat, report.Summary())
}

func (b *Bot) answer(ctx context.Context, queryID, text string) {
	if err := b.api.AnswerCallbackQuery(ctx, queryID, text); err != nil {
		log.Warn().Err(err).Msg("Failed to answer callback query")
	}
}

func (b *Bot) reply(ctx context.Context, chat telegram.ChatID, text string) {
	b.send(ctx, chat, text, nil)
}

func (b *Bot) send(ctx context.Context, chat telegram.ChatID, text string, markup *telegram.InlineKeyboardMarkup) {
	if err := b.api.SendMessage(ctx, chat, text, markup); err != nil {
		log.Error().Err(err).Str("chatId", string(chat)).Msg("Failed to send reply")
	}
}
