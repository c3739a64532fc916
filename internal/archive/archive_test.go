package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/watermark-relay/internal/staging"
)

type putCall struct {
	bucket      string
	key         string
	contentType string
	tagging     string
	body        []byte
}

type fakeS3 struct {
	calls  []putCall
	failAt int // 1-based call index that fails; 0 never fails
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, putCall{
		bucket:      *in.Bucket,
		key:         *in.Key,
		contentType: *in.ContentType,
		tagging:     *in.Tagging,
		body:        body,
	})
	if f.failAt == len(f.calls) {
		return nil, errors.New("AccessDenied")
	}
	return &s3.PutObjectOutput{}, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func newTestArchiver(client PutObjectAPI) *S3Archiver {
	a := NewS3Archiver(client, "archive-bucket", "")
	a.now = func() time.Time { return time.Date(2024, 6, 27, 12, 0, 0, 0, time.UTC) }
	a.batchID = func() string { return "batch-1" }
	return a
}

func TestArchive_WritesItemsAndManifest(t *testing.T) {
	fake := &fakeS3{}
	a := newTestArchiver(fake)

	items := []staging.Item{
		{ID: "a", Image: pngHeader, Caption: "first"},
		{ID: "b", Image: []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0}},
	}
	require.NoError(t, a.Archive(context.Background(), "news", items))

	require.Len(t, fake.calls, 3)
	assert.Equal(t, "published/news/2024-06-27/batch-1/01-a.png", fake.calls[0].key)
	assert.Equal(t, "image/png", fake.calls[0].contentType)
	assert.Equal(t, "published/news/2024-06-27/batch-1/02-b.jpg", fake.calls[1].key)
	assert.Equal(t, "published/news/2024-06-27/batch-1/manifest.json", fake.calls[2].key)
	for _, c := range fake.calls {
		assert.Equal(t, "archive-bucket", c.bucket)
		assert.Equal(t, projectTag, c.tagging)
	}

	var m Manifest
	require.NoError(t, json.Unmarshal(fake.calls[2].body, &m))
	assert.Equal(t, "batch-1", m.BatchID)
	assert.Equal(t, "news", m.Channel)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "first", m.Items[0].Caption)
	assert.Equal(t, len(pngHeader), m.Items[0].Bytes)
}

func TestArchive_StopsOnError(t *testing.T) {
	fake := &fakeS3{failAt: 1}
	a := newTestArchiver(fake)

	err := a.Archive(context.Background(), "news", []staging.Item{{ID: "a", Image: pngHeader}, {ID: "b", Image: pngHeader}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "01-a.png")
	assert.Len(t, fake.calls, 1)
}

func TestArchive_EmptyBatchIsNoop(t *testing.T) {
	fake := &fakeS3{}
	require.NoError(t, newTestArchiver(fake).Archive(context.Background(), "news", nil))
	assert.Empty(t, fake.calls)
}
