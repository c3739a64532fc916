// Package auth resolves and validates the Telegram bot token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/metrics"
	"github.com/fpang/watermark-relay/internal/telegram"
)

// ValidationError represents a specific type of token validation failure.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

// ValidationErrorType categorizes validation failures.
type ValidationErrorType int

const (
	// ErrTypeInvalidToken indicates the token is invalid or revoked.
	ErrTypeInvalidToken ValidationErrorType = iota
	// ErrTypeNetworkError indicates a network or server-side problem.
	ErrTypeNetworkError
	// ErrTypeRateLimited indicates Telegram asked us to back off.
	ErrTypeRateLimited
	// ErrTypeUnknown indicates an unknown error occurred.
	ErrTypeUnknown
)

func (t ValidationErrorType) String() string {
	switch t {
	case ErrTypeInvalidToken:
		return "invalid"
	case ErrTypeNetworkError:
		return "network_error"
	case ErrTypeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Identifier is the Bot API call used to validate a token.
type Identifier interface {
	GetMe(ctx context.Context) (*telegram.User, error)
}

// ValidateToken verifies the token by calling getMe. It returns the bot's
// user on success or a *ValidationError describing the failure.
func ValidateToken(ctx context.Context, api Identifier) (*telegram.User, error) {
	log.Debug().Msg("Validating bot token with Telegram")

	start := time.Now()
	me, err := api.GetMe(ctx)
	elapsed := time.Since(start)

	if err != nil {
		valErr := classifyError(err)
		metrics.New("auth").
			Dimension("Result", valErr.Type.String()).
			Duration("TokenValidationMs", elapsed).
			Count("TokenValidationResult", 1).
			Flush()
		return nil, valErr
	}

	metrics.New("auth").
		Dimension("Result", "success").
		Duration("TokenValidationMs", elapsed).
		Count("TokenValidationResult", 1).
		Flush()

	log.Info().Str("username", me.Username).Dur("duration", elapsed).Msg("Bot token validated")
	return me, nil
}

// classifyError analyzes an error and returns a ValidationError with the appropriate type.
func classifyError(err error) *ValidationError {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "dial") ||
		strings.Contains(errLower, "no such host"):
		log.Error().Err(err).Msg("Network error during token validation")
		return &ValidationError{
			Type:    ErrTypeNetworkError,
			Message: "Network error - check connectivity to the Bot API",
			Err:     err,
		}
	default:
		log.Error().Err(err).Msg("Unknown error during token validation")
		return &ValidationError{
			Type:    ErrTypeUnknown,
			Message: "Failed to validate bot token",
			Err:     err,
		}
	}
}

// classifyAPIError categorizes a Bot API error response.
func classifyAPIError(err *telegram.APIError) *ValidationError {
	switch {
	case err.Code == http.StatusUnauthorized || err.Code == http.StatusNotFound:
		// The Bot API answers 404 for a malformed token path.
		log.Error().Int("code", err.Code).Msg("Authentication failed - invalid bot token")
		return &ValidationError{
			Type:    ErrTypeInvalidToken,
			Message: "Bot token is invalid or has been revoked",
			Err:     err,
		}
	case err.Code == http.StatusTooManyRequests:
		log.Error().Int("code", err.Code).Dur("retryAfter", err.RetryAfter).Msg("Rate limited during validation")
		return &ValidationError{
			Type:    ErrTypeRateLimited,
			Message: "Bot API rate limit exceeded - try again later",
			Err:     err,
		}
	case err.Code >= 500:
		log.Error().Int("code", err.Code).Msg("Server error during validation")
		return &ValidationError{
			Type:    ErrTypeNetworkError,
			Message: "Bot API server error - try again later",
			Err:     err,
		}
	default:
		log.Error().Int("code", err.Code).Str("description", err.Description).Msg("Bot API error")
		return &ValidationError{
			Type:    ErrTypeUnknown,
			Message: err.Description,
			Err:     err,
		}
	}
}
