// Package telegram provides a client for the Telegram Bot API methods the
// bot uses: receiving updates, resolving file URLs, and sending messages,
// photos, and photo albums.
//
// Every method is a POST to https://api.telegram.org/bot<token>/<method>.
// The API wraps results in {"ok": bool, "result": ..., "description": ...}.
// Uploads (sendPhoto, sendMediaGroup) use multipart/form-data so rendered
// image bytes are sent directly without an intermediate public URL.
//
// Outgoing sends share a rate limiter to stay under Telegram's flood limits.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Telegram Bot API base URL.
	DefaultBaseURL = "https://api.telegram.org"

	// defaultTimeout must exceed the long-poll timeout.
	defaultTimeout = 60 * time.Second

	// MaxMediaGroup is the album size limit of sendMediaGroup.
	MaxMediaGroup = 10

	// Default outbound send rate (Telegram allows ~30 messages/second per bot).
	defaultSendRate  = 25
	defaultSendBurst = 5
)

// Client calls the Telegram Bot API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a Bot API client. baseURL may be empty for the public API.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		token:      token,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(defaultSendRate), defaultSendBurst),
	}
}

// --- API response types ---

// apiResponse is the generic Bot API envelope.
type apiResponse struct {
	OK          bool               `json:"ok"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Description string             `json:"description,omitempty"`
	ErrorCode   int                `json:"error_code,omitempty"`
	Parameters  *responseParameter `json:"parameters,omitempty"`
}

type responseParameter struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// APIError is returned when the Bot API answers ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s (code %d)", e.Method, e.Description, e.Code)
}

// --- Receiving ---

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates with id >= offset. timeout is the
// server-side wait in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{
		"offset":          {strconv.FormatInt(offset, 10)},
		"timeout":         {strconv.Itoa(timeout)},
		"allowed_updates": {`["message","callback_query"]`},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetWebhook registers url for push delivery. Telegram sends secret in the
// X-Telegram-Bot-Api-Secret-Token header of every request.
func (c *Client) SetWebhook(ctx context.Context, hookURL, secret string) error {
	params := url.Values{
		"url":             {hookURL},
		"secret_token":    {secret},
		"allowed_updates": {`["message","callback_query"]`},
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", nil, nil)
}

// --- Files ---

// GetFile returns file metadata including the download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", url.Values{"file_id": {fileID}}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("getFile %s: no file_path returned", fileID)
	}
	return &f, nil
}

// FileURL returns the download URL for a file path from GetFile.
func (c *Client) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
}

// ResolveFileURL turns a file id into a URL the renderer can fetch.
func (c *Client) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return c.FileURL(f.FilePath), nil
}

// --- Sending ---

// SendMessage sends a text message, optionally with an inline keyboard.
func (c *Client) SendMessage(ctx context.Context, chat ChatID, text string, markup *InlineKeyboardMarkup) error {
	params := url.Values{
		"chat_id": {string(chat)},
		"text":    {text},
	}
	if markup != nil {
		data, err := json.Marshal(markup)
		if err != nil {
			return fmt.Errorf("encode reply markup: %w", err)
		}
		params.Set("reply_markup", string(data))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// SendPhoto uploads one photo with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chat ChatID, image []byte, caption string) error {
	fields := map[string]string{"chat_id": string(chat)}
	if caption != "" {
		fields["caption"] = caption
	}
	files := []upload{{field: "photo", name: "photo.png", data: image}}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.callMultipart(ctx, "sendPhoto", fields, files)
}

// inputMediaPhoto is the JSON description of one album item.
type inputMediaPhoto struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// SendMediaGroup uploads 2 to MaxMediaGroup photos as one album.
func (c *Client) SendMediaGroup(ctx context.Context, chat ChatID, photos []InputPhoto) error {
	if len(photos) < 2 {
		return fmt.Errorf("media group requires at least 2 items, got %d", len(photos))
	}
	if len(photos) > MaxMediaGroup {
		return fmt.Errorf("media group supports at most %d items, got %d", MaxMediaGroup, len(photos))
	}

	media := make([]inputMediaPhoto, len(photos))
	files := make([]upload, len(photos))
	for i, p := range photos {
		field := "photo" + strconv.Itoa(i)
		media[i] = inputMediaPhoto{Type: "photo", Media: "attach://" + field, Caption: p.Caption}
		files[i] = upload{field: field, name: field + ".png", data: p.Image}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}

	fields := map[string]string{
		"chat_id": string(chat),
		"media":   string(mediaJSON),
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.callMultipart(ctx, "sendMediaGroup", fields, files)
}

// AnswerCallbackQuery acknowledges a button tap, optionally with a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	params := url.Values{"callback_query_id": {queryID}}
	if text != "" {
		params.Set("text", text)
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// --- Internal helpers ---

type upload struct {
	field string
	name  string
	data  []byte
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call sends form-encoded params and decodes the result into out (may be nil).
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	var body io.Reader
	if params != nil {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.do(req, method, out)
}

// callMultipart sends fields and file parts as multipart/form-data.
func (c *Client) callMultipart(ctx context.Context, method string, fields map[string]string, files []upload) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			return fmt.Errorf("create part %s: %w", f.field, err)
		}
		if _, err := part.Write(f.data); err != nil {
			return fmt.Errorf("write part %s: %w", f.field, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, method, nil)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	startTime := time.Now()
	log.Trace().Str("method", method).Msg("Telegram API request")

	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		// The URL embeds the bot token; never log or return it.
		return fmt.Errorf("telegram %s: request failed: %w", method, redact(err, c.token))
	}
	defer httpResp.Body.Close()

	log.Debug().Str("method", method).Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Telegram API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("telegram %s: parse response: %w (body: %s)", method, err, truncate(string(body), 200))
	}

	if !resp.OK {
		apiErr := &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
		if resp.Parameters != nil {
			apiErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		log.Warn().Str("method", method).Int("errorCode", resp.ErrorCode).Str("description", resp.Description).Msg("Telegram API error")
		return apiErr
	}

	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redactedError replaces the bot token in an error message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
