// Package webhook provides an HTTP handler for Telegram webhook delivery.
//
// When the bot runs in webhook mode, Telegram POSTs each update as a JSON
// body and includes the secret registered with setWebhook in the
// X-Telegram-Bot-Api-Secret-Token header. The handler validates the secret,
// decodes the update, hands it to the dispatcher, and answers 200 so that
// Telegram does not redeliver.
//
// Reference: https://core.telegram.org/bots/api#setwebhook
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/telegram"
)

// SecretHeader is the header Telegram uses to echo the webhook secret.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxBodySize is the maximum allowed request body size (1 MB).
// Updates carry file ids, not file contents, so they stay small.
const maxBodySize = 1 << 20

// Dispatcher receives decoded updates. It must not block for long; the
// HTTP response is sent only after Dispatch returns.
type Dispatcher interface {
	Dispatch(update telegram.Update)
}

// Handler handles Telegram webhook requests.
type Handler struct {
	secret     string
	dispatcher Dispatcher
}

// NewHandler creates a webhook handler that accepts only requests carrying
// secret.
func NewHandler(secret string, dispatcher Dispatcher) *Handler {
	return &Handler{
		secret:     secret,
		dispatcher: dispatcher,
	}
}

// ServeHTTP validates and dispatches one update.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.verifySecret(r.Header.Get(SecretHeader)) {
		log.Warn().Str("remoteAddr", r.RemoteAddr).Msg("Webhook request: invalid secret token")
		http.Error(w, "invalid secret token", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook request: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		log.Warn().Msg("Webhook request: empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var update telegram.Update
	if err := json.Unmarshal(body, &update); err != nil {
		log.Warn().Err(err).Int("bodySize", len(body)).Msg("Webhook request: invalid update JSON")
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	log.Debug().Int64("updateId", update.UpdateID).Msg("Webhook update received")
	h.dispatcher.Dispatch(update)

	w.WriteHeader(http.StatusOK)
}

// verifySecret compares the header value with the configured secret in
// constant time.
func (h *Handler) verifySecret(got string) bool {
	if h.secret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
