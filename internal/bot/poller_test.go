package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/watermark-relay/internal/telegram"
)

type scriptedUpdater struct {
	cancel  context.CancelFunc
	offsets []int64
	deleted bool
}

func (u *scriptedUpdater) DeleteWebhook(context.Context) error {
	u.deleted = true
	return nil
}

func (u *scriptedUpdater) GetUpdates(ctx context.Context, offset int64, _ int) ([]telegram.Update, error) {
	u.offsets = append(u.offsets, offset)
	switch len(u.offsets) {
	case 1:
		return []telegram.Update{{UpdateID: 5}, {UpdateID: 6}}, nil
	case 2:
		return nil, &telegram.APIError{Method: "getUpdates", Code: 429, RetryAfter: 5 * time.Millisecond}
	case 3:
		return []telegram.Update{{UpdateID: 7}}, nil
	default:
		u.cancel()
		return nil, ctx.Err()
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []int64
}

func (d *recordingDispatcher) Dispatch(u telegram.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, u.UpdateID)
}

func TestPoller_TracksOffsetAndRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &scriptedUpdater{cancel: cancel}
	rec := &recordingDispatcher{}
	err := NewPoller(api, rec).Run(ctx)
	require.NoError(t, err)

	assert.True(t, api.deleted)
	assert.Equal(t, []int64{0, 7, 7, 8}, api.offsets)
	assert.Equal(t, []int64{5, 6, 7}, rec.ids)
}

func TestSleep_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}
