// Package boot holds the process bootstrap helpers shared by the serve and
// render commands: AWS config, optional AWS-backed collaborators, and
// startup logging.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/archive"
	"github.com/fpang/watermark-relay/internal/auth"
	"github.com/fpang/watermark-relay/internal/config"
	"github.com/fpang/watermark-relay/internal/logging"
)

// AWSClients holds the AWS SDK clients the bot may use.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
	S3     *s3.Client
}

// NeedsAWS reports whether cfg requires any AWS service.
func NeedsAWS(cfg config.Config) bool {
	return cfg.BotToken == "" || cfg.ArchiveBucket != ""
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
		S3:     s3.NewFromConfig(cfg),
	}, nil
}

// LoadBotToken resolves the bot token from the environment first and SSM
// second. clients may be nil when AWS was not initialized.
func LoadBotToken(ctx context.Context, cfg config.Config, clients *AWSClients) (string, error) {
	src := auth.TokenSource{Env: cfg.BotToken, SSMParam: cfg.BotTokenSSMParam}
	if clients != nil {
		src.SSM = clients.SSM
	}
	return auth.ResolveToken(ctx, src)
}

// InitArchive creates the S3 archiver when ARCHIVE_BUCKET is set. Returns
// nil (with a log line) when archiving is not configured.
func InitArchive(cfg config.Config, clients *AWSClients) *archive.S3Archiver {
	if cfg.ArchiveBucket == "" {
		log.Debug().Msg("ARCHIVE_BUCKET not set, archiving disabled")
		return nil
	}
	if clients == nil {
		log.Warn().Str("bucket", cfg.ArchiveBucket).Msg("AWS not initialized, archiving disabled")
		return nil
	}
	return archive.NewS3Archiver(clients.S3, cfg.ArchiveBucket, "")
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
