// Package archive copies published photos to S3.
//
// Each publish batch is written under
//
//	<prefix>/<channel>/<YYYY-MM-DD>/<batch-id>/<n>-<item-id>.<ext>
//
// together with a manifest.json describing the batch, so a channel's history
// can be reconstructed without Telegram.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/staging"
)

// DefaultPrefix is the key prefix for archived batches.
const DefaultPrefix = "published"

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
const projectTag = "Project=watermark-relay"

// PutObjectAPI is the S3 call the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Manifest describes one archived batch.
type Manifest struct {
	BatchID     string          `json:"batchId"`
	Channel     string          `json:"channel"`
	PublishedAt time.Time       `json:"publishedAt"`
	Items       []ManifestEntry `json:"items"`
}

// ManifestEntry describes one archived photo.
type ManifestEntry struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Caption     string    `json:"caption,omitempty"`
	StagedAt    time.Time `json:"stagedAt"`
	Bytes       int       `json:"bytes"`
}

// S3Archiver writes published batches to a bucket.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string

	now     func() time.Time
	batchID func() string
}

// NewS3Archiver creates an archiver for bucket. An empty prefix uses
// DefaultPrefix.
func NewS3Archiver(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		now:     time.Now,
		batchID: uuid.NewString,
	}
}

// Archive uploads items and then the batch manifest. It stops at the first
// failed upload; objects already written are left in place.
func (a *S3Archiver) Archive(ctx context.Context, channel string, items []staging.Item) error {
	if len(items) == 0 {
		return nil
	}
	start := a.now()
	manifest := Manifest{
		BatchID:     a.batchID(),
		Channel:     channel,
		PublishedAt: start.UTC(),
		Items:       make([]ManifestEntry, 0, len(items)),
	}
	dir := path.Join(a.prefix, channel, start.UTC().Format(time.DateOnly), manifest.BatchID)

	for i, it := range items {
		contentType := http.DetectContentType(it.Image)
		key := path.Join(dir, fmt.Sprintf("%02d-%s%s", i+1, it.ID, extension(contentType)))
		if err := a.put(ctx, key, it.Image, contentType); err != nil {
			return err
		}
		manifest.Items = append(manifest.Items, ManifestEntry{
			ID:          it.ID,
			Key:         key,
			ContentType: contentType,
			Caption:     it.Caption,
			StagedAt:    it.StagedAt,
			Bytes:       len(it.Image),
		})
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestKey := path.Join(dir, "manifest.json")
	if err := a.put(ctx, manifestKey, body, "application/json"); err != nil {
		return err
	}

	log.Info().
		Str("bucket", a.bucket).
		Str("manifest", manifestKey).
		Int("items", len(items)).
		Dur("duration", a.now().Sub(start)).
		Msg("Published batch archived to S3")
	return nil
}

func (a *S3Archiver) put(ctx context.Context, key string, body []byte, contentType string) error {
	tagging := projectTag
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
		Tagging:     &tagging,
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}
	log.Debug().Str("bucket", a.bucket).Str("key", key).Int("bytes", len(body)).Msg("Uploaded to S3")
	return nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
