package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// DefaultTokenParam is the SSM parameter read when no name is configured.
const DefaultTokenParam = "/watermark-relay/prod/telegram-bot-token"

// ErrNoToken is returned when no bot token source is available.
var ErrNoToken = errors.New("telegram bot token not found: set TELEGRAM_BOT_TOKEN or SSM_BOT_TOKEN_PARAM")

// ParameterAPI is the SSM call used to read the token.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// TokenSource lists where the bot token may come from.
type TokenSource struct {
	Env      string       // value of TELEGRAM_BOT_TOKEN
	SSMParam string       // parameter name; empty uses DefaultTokenParam
	SSM      ParameterAPI // nil when AWS is not configured
}

// ResolveToken returns the bot token from the available sources.
// Priority order:
//  1. TELEGRAM_BOT_TOKEN environment variable
//  2. SecureString parameter in SSM Parameter Store
func ResolveToken(ctx context.Context, src TokenSource) (string, error) {
	if src.Env != "" {
		log.Debug().Msg("Using bot token from environment variable")
		return src.Env, nil
	}
	if src.SSM == nil {
		return "", ErrNoToken
	}

	param := src.SSMParam
	if param == "" {
		param = DefaultTokenParam
	}
	start := time.Now()
	result, err := src.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &param,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read bot token from SSM %s: %w", param, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty: %w", param, ErrNoToken)
	}

	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("Bot token loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}
