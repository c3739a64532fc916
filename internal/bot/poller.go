package bot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/telegram"
	"github.com/fpang/watermark-relay/internal/webhook"
)

const (
	// pollTimeout is the getUpdates server-side wait in seconds.
	pollTimeout = 50

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Updater is the Bot API surface the poller uses.
type Updater interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
	DeleteWebhook(ctx context.Context) error
}

// Poller receives updates with getUpdates long polling.
type Poller struct {
	api        Updater
	dispatcher webhook.Dispatcher
	timeout    int
}

// NewPoller creates a long-poll loop feeding dispatcher.
func NewPoller(api Updater, dispatcher webhook.Dispatcher) *Poller {
	return &Poller{api: api, dispatcher: dispatcher, timeout: pollTimeout}
}

// Run polls until ctx is done. Transient errors are retried with
// exponential backoff, honoring Telegram's retry_after hint.
func (p *Poller) Run(ctx context.Context) error {
	// getUpdates is rejected while a webhook is registered.
	if err := p.api.DeleteWebhook(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to delete webhook before polling")
	}
	log.Info().Int("timeoutSec", p.timeout).Msg("Long polling started")

	var offset int64
	backoff := minBackoff
	for {
		updates, err := p.api.GetUpdates(ctx, offset, p.timeout)
		if ctx.Err() != nil {
			log.Info().Msg("Long polling stopped")
			return nil
		}
		if err != nil {
			wait := backoff
			var apiErr *telegram.APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			log.Warn().Err(err).Dur("retryIn", wait).Msg("getUpdates failed")
			if !sleep(ctx, wait) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.dispatcher.Dispatch(u)
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
