// Package watermark calls the remote watermark renderer.
//
// The renderer is an image-compositing HTTP API (QuickChart's /watermark
// endpoint by default): a GET with the source image URL, the overlay image
// URL, the overlay ratio, and a placement keyword returns the composited
// image bytes. The client makes exactly one request per Apply call; retry
// policy belongs to the caller.
package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder for image.DecodeConfig
	_ "image/jpeg" // register JPEG decoder for image.DecodeConfig
	_ "image/png"  // register PNG decoder for image.DecodeConfig
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp" // register WebP decoder for image.DecodeConfig

	"github.com/fpang/watermark-relay/internal/metrics"
)

const (
	// defaultTimeout bounds a single renderer call.
	defaultTimeout = 30 * time.Second

	// maxImageSize caps the response body read into memory (20 MB).
	maxImageSize = 20 << 20
)

// ErrRender is wrapped by every renderer failure.
var ErrRender = errors.New("watermark render failed")

// RenderError describes one failed renderer call.
type RenderError struct {
	StatusCode int // 0 when no response was received
	Reason     string
	Err        error
}

func (e *RenderError) Error() string {
	msg := "watermark render failed: " + e.Reason
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrRender and the underlying cause.
func (e *RenderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRender, e.Err}
	}
	return []error{ErrRender}
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	OverlayURL string
	Position   string
	Timeout    time.Duration
	Metrics    *metrics.Collectors
}

// Client renders watermarks through the remote API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
	overlayURL string
	position   string
	metrics    *metrics.Collectors
}

// NewClient creates a renderer client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   opts.Endpoint,
		overlayURL: opts.OverlayURL,
		position:   opts.Position,
		metrics:    opts.Metrics,
	}
}

// Apply watermarks the image at sourceURL with the given overlay ratio and
// returns the rendered image bytes.
func (c *Client) Apply(ctx context.Context, sourceURL string, ratio float64) ([]byte, error) {
	start := time.Now()
	data, err := c.render(ctx, sourceURL, ratio)
	duration := time.Since(start)
	c.metrics.ObserveRender(duration, err)

	if err != nil {
		log.Debug().Err(err).Dur("duration", duration).Msg("Watermark render failed")
		return nil, err
	}
	log.Debug().Int("bytes", len(data)).Dur("duration", duration).Msg("Watermark rendered")
	return data, nil
}

func (c *Client) render(ctx context.Context, sourceURL string, ratio float64) ([]byte, error) {
	params := url.Values{
		"mainImageUrl": {sourceURL},
		"markImageUrl": {c.overlayURL},
		"markRatio":    {strconv.FormatFloat(ratio, 'f', -1, 64)},
		"position":     {c.position},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", stripURL(err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RenderError{Reason: "request failed", Err: stripURL(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, &RenderError{StatusCode: resp.StatusCode, Reason: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RenderError{
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status",
			Err:        errors.New(truncate(string(body), 200)),
		}
	}
	if len(body) == 0 {
		return nil, &RenderError{StatusCode: resp.StatusCode, Reason: "empty body"}
	}
	if len(body) > maxImageSize {
		return nil, &RenderError{StatusCode: resp.StatusCode, Reason: "body exceeds size limit"}
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, &RenderError{StatusCode: resp.StatusCode, Reason: "malformed image body", Err: err}
	}
	log.Trace().Str("format", format).Msg("Renderer returned image")

	return body, nil
}

// stripURL drops the request URL from transport errors. The query carries
// the Telegram file URL, which embeds the bot token.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
