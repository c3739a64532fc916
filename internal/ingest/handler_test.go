package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/watermark-relay/internal/settings"
	"github.com/fpang/watermark-relay/internal/staging"
	"github.com/fpang/watermark-relay/internal/telegram"
	"github.com/fpang/watermark-relay/internal/watermark"
)

// --- fakes ---

type fakeResolver struct{}

func (fakeResolver) ResolveFileURL(_ context.Context, fileID string) (string, error) {
	if fileID == "missing" {
		return "", errors.New("file not found")
	}
	return "https://files.test/" + fileID, nil
}

// fakeRenderer fails the first failures[url] calls for each URL.
type fakeRenderer struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	err      error // returned instead of a render error when set
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{failures: map[string]int{}, calls: map[string]int{}}
}

func (r *fakeRenderer) Apply(_ context.Context, sourceURL string, _ float64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[sourceURL]++
	if r.err != nil {
		return nil, r.err
	}
	if r.calls[sourceURL] <= r.failures[sourceURL] {
		return nil, &watermark.RenderError{StatusCode: 502, Reason: "unexpected status"}
	}
	return []byte("wm:" + sourceURL), nil
}

func (r *fakeRenderer) callsFor(fileID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls["https://files.test/"+fileID]
}

type sentPhoto struct {
	chat    telegram.ChatID
	image   string
	caption string
}

type fakeAck struct {
	mu       sync.Mutex
	messages []string
	photos   []sentPhoto
	groups   [][]sentPhoto
}

func (a *fakeAck) SendMessage(_ context.Context, _ telegram.ChatID, text string, _ *telegram.InlineKeyboardMarkup) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, text)
	return nil
}

func (a *fakeAck) SendPhoto(_ context.Context, chat telegram.ChatID, image []byte, caption string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.photos = append(a.photos, sentPhoto{chat: chat, image: string(image), caption: caption})
	return nil
}

func (a *fakeAck) SendMediaGroup(_ context.Context, chat telegram.ChatID, photos []telegram.InputPhoto) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	group := make([]sentPhoto, len(photos))
	for i, p := range photos {
		group[i] = sentPhoto{chat: chat, image: string(p.Image), caption: p.Caption}
	}
	a.groups = append(a.groups, group)
	return nil
}

type fixture struct {
	handler  *Handler
	renderer *fakeRenderer
	ack      *fakeAck
	queue    *staging.Queue
	settings *settings.Settings
	counters *settings.Counters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		renderer: newFakeRenderer(),
		ack:      &fakeAck{},
		queue:    staging.New(),
		settings: settings.New(settings.DefaultMarkRatio),
		counters: &settings.Counters{},
	}
	t.Cleanup(f.queue.Close)

	f.handler = NewHandler(Options{
		Resolver: fakeResolver{},
		Renderer: f.renderer,
		Settings: f.settings,
		Counters: f.counters,
		Stager:   f.queue,
		Ack:      f.ack,
	})
	var seq int
	var mu sync.Mutex
	f.handler.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("item-%d", seq)
	}
	return f
}

func (f *fixture) staged(t *testing.T) []staging.Item {
	t.Helper()
	items, err := f.queue.PeekAndRemove(0)
	require.NoError(t, err)
	return items
}

// --- ProcessOne ---

func TestProcessOne_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.renderer.failures["https://files.test/p1"] = 2

	item, err := f.handler.ProcessOne(context.Background(), Photo{FileID: "p1"}, "hello")
	require.NoError(t, err)

	assert.Equal(t, 3, f.renderer.callsFor("p1"))
	assert.Equal(t, "wm:https://files.test/p1", string(item.Image))
	assert.Equal(t, "hello", item.Caption)
	assert.Equal(t, int64(1), f.counters.Processed())
}

func TestProcessOne_ExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.renderer.failures["https://files.test/p1"] = MaxAttempts

	_, err := f.handler.ProcessOne(context.Background(), Photo{FileID: "p1"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWatermarkExhausted)
	assert.ErrorIs(t, err, watermark.ErrRender)
	assert.Equal(t, MaxAttempts, f.renderer.callsFor("p1"))
	assert.Equal(t, int64(0), f.counters.Processed())
}

func TestProcessOne_NonRenderErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = errors.New("bad request")

	_, err := f.handler.ProcessOne(context.Background(), Photo{FileID: "p1"}, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWatermarkExhausted)
	assert.Equal(t, 1, f.renderer.callsFor("p1"))
}

func TestProcessOne_ResolveFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.handler.ProcessOne(context.Background(), Photo{FileID: "missing"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve photo missing")
	assert.Equal(t, 0, f.renderer.callsFor("missing"))
}

func TestProcessOne_UsesCurrentSettings(t *testing.T) {
	f := newFixture(t)
	f.settings.SetHeader("PROMO")
	f.settings.SetFooter("END")

	item, err := f.handler.ProcessOne(context.Background(), Photo{FileID: "p1"}, "see https://a.io and https://b.io")
	require.NoError(t, err)
	assert.Equal(t, "PROMO\n\n👉 v1 : https://a.io\n\n👉 v2 : https://b.io\n\nEND", item.Caption)
}

// --- HandleSingle ---

func TestHandleSingle_StagesAndEchoes(t *testing.T) {
	f := newFixture(t)
	chat := telegram.ChatIDFromInt(42)

	err := f.handler.HandleSingle(context.Background(), chat, Photo{FileID: "p1"}, "caption")
	require.NoError(t, err)

	items := f.staged(t)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, "caption", items[0].Caption)

	require.Len(t, f.ack.photos, 1)
	assert.Equal(t, chat, f.ack.photos[0].chat)
	assert.Equal(t, "wm:https://files.test/p1", f.ack.photos[0].image)
	assert.Empty(t, f.ack.messages)
}

func TestHandleSingle_FailureNotifiesAndStagesNothing(t *testing.T) {
	f := newFixture(t)
	f.renderer.failures["https://files.test/p1"] = MaxAttempts

	err := f.handler.HandleSingle(context.Background(), telegram.ChatIDFromInt(42), Photo{FileID: "p1"}, "")
	require.ErrorIs(t, err, ErrWatermarkExhausted)

	assert.Empty(t, f.staged(t))
	assert.Empty(t, f.ack.photos)
	assert.Equal(t, []string{FailureNotice}, f.ack.messages)
}

// --- HandleGroup ---

func TestHandleGroup_DropsFailedMember(t *testing.T) {
	f := newFixture(t)
	f.renderer.failures["https://files.test/p2"] = MaxAttempts
	photos := []Photo{{FileID: "p1"}, {FileID: "p2"}, {FileID: "p3"}}

	err := f.handler.HandleGroup(context.Background(), telegram.ChatIDFromInt(7), photos, "shared")
	require.NoError(t, err)

	assert.Equal(t, MaxAttempts, f.renderer.callsFor("p2"))
	assert.Equal(t, int64(2), f.counters.Processed())

	items := f.staged(t)
	require.Len(t, items, 2)
	assert.Equal(t, "wm:https://files.test/p1", string(items[0].Image))
	assert.Equal(t, "wm:https://files.test/p3", string(items[1].Image))

	require.Len(t, f.ack.groups, 1)
	group := f.ack.groups[0]
	require.Len(t, group, 2)
	assert.Equal(t, "wm:https://files.test/p1", group[0].image)
	assert.Equal(t, "wm:https://files.test/p3", group[1].image)
	assert.Equal(t, "shared", group[0].caption)
	assert.Empty(t, f.ack.messages)
}

func TestHandleGroup_SingleSurvivorSentAsPhoto(t *testing.T) {
	f := newFixture(t)
	f.renderer.failures["https://files.test/p1"] = MaxAttempts
	photos := []Photo{{FileID: "p1"}, {FileID: "p2"}}

	err := f.handler.HandleGroup(context.Background(), telegram.ChatIDFromInt(7), photos, "")
	require.NoError(t, err)

	assert.Empty(t, f.ack.groups)
	require.Len(t, f.ack.photos, 1)
	assert.Equal(t, "wm:https://files.test/p2", f.ack.photos[0].image)
}

func TestHandleGroup_AllFail(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = &watermark.RenderError{Reason: "request failed"}
	photos := []Photo{{FileID: "p1"}, {FileID: "p2"}}

	err := f.handler.HandleGroup(context.Background(), telegram.ChatIDFromInt(7), photos, "")
	require.ErrorIs(t, err, ErrWatermarkExhausted)

	assert.Empty(t, f.staged(t))
	assert.Equal(t, []string{FailureNotice}, f.ack.messages)
	assert.Equal(t, int64(0), f.counters.Processed())
}

// barrierRenderer blocks every call until n calls are in flight at once.
type barrierRenderer struct {
	n       int
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (r *barrierRenderer) Apply(ctx context.Context, sourceURL string, _ float64) ([]byte, error) {
	r.mu.Lock()
	r.waiting++
	if r.waiting == r.n {
		close(r.release)
	}
	r.mu.Unlock()

	select {
	case <-r.release:
		return []byte(sourceURL), nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("members were not processed concurrently")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestProcessGroup_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.handler.renderer = &barrierRenderer{n: 3, release: make(chan struct{})}

	photos := []Photo{{FileID: "a"}, {FileID: "b"}, {FileID: "c"}}
	results := f.handler.ProcessGroup(context.Background(), photos, "")

	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.True(t, strings.HasSuffix(string(r.Item.Image), photos[i].FileID), "result %d out of order", i)
	}
}
