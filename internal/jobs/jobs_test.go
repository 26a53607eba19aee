package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	name string
	data json.RawMessage
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *fakeEmitter) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{name: event, data: raw})
	return nil
}

func (e *fakeEmitter) named(name string) []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []recordedEvent
	for _, ev := range e.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{Download, Sleep}, DefaultRegistry().Names())
}

func TestArgParsing(t *testing.T) {
	s, err := argString([]any{"a", 3.0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "3", s)

	s, err = argString(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = argString([]any{[]any{}}, 0)
	assert.Error(t, err)

	b, err := argBool([]any{"true"}, 0)
	require.NoError(t, err)
	assert.True(t, b)

	b, err = argBool([]any{false}, 0)
	require.NoError(t, err)
	assert.False(t, b)

	d, err := argDuration([]any{"150ms"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	d, err = argDuration([]any{250.0}, 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestSleepRespectsContext(t *testing.T) {
	h := NewSleeper(nil)

	require.NoError(t, h.Run(context.Background(), "1ms"))
	assert.ErrorIs(t, h.Run(context.Background(), 0.0, true), ErrSleepFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, h.Run(ctx, "10s"), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDownloadWritesFileAndEmitsFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "castpool-test", r.Header.Get("User-Agent"))
		w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	emit := &fakeEmitter{}
	h := NewDownloader(emit)
	require.NoError(t, h.PreLaunch(context.Background(), "castpool-test"))
	defer h.End(context.Background())

	dir := t.TempDir()
	require.NoError(t, h.Run(context.Background(), srv.URL+"/videos/clip.mp4", dir))

	got, err := os.ReadFile(filepath.Join(dir, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(got))
	_, err = os.Stat(filepath.Join(dir, "clip.mp4.part"))
	assert.True(t, os.IsNotExist(err))

	finished := emit.named(EventDownloadFinish)
	require.Len(t, finished, 1)
	var ev FinishEvent
	require.NoError(t, json.Unmarshal(finished[0].data, &ev))
	assert.Equal(t, "clip.mp4", ev.Name)
	assert.Equal(t, int64(len("media-bytes")), ev.Bytes)
}

func TestDownloadProgress(t *testing.T) {
	old := ProgressInterval
	ProgressInterval = 5 * time.Millisecond
	defer func() { ProgressInterval = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		w.Write([]byte("abcd"))
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("efgh"))
	}))
	defer srv.Close()

	emit := &fakeEmitter{}
	h := NewDownloader(emit)
	require.NoError(t, h.PreLaunch(context.Background()))

	require.NoError(t, h.Run(context.Background(), srv.URL+"/a", t.TempDir(), "we:ird*name.ts", "true"))

	assert.NotEmpty(t, emit.named(EventDownloadProgress))
	finished := emit.named(EventDownloadFinish)
	require.Len(t, finished, 1)
	assert.True(t, strings.Contains(string(finished[0].data), `"name":"weirdname.ts"`))
}

func TestDownloadErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	emit := &fakeEmitter{}
	h := NewDownloader(emit)
	require.NoError(t, h.PreLaunch(context.Background()))
	dir := t.TempDir()

	assert.ErrorIs(t, h.Run(context.Background(), srv.URL+"/missing.mp4", dir), ErrBadStatus)
	assert.ErrorIs(t, h.Run(context.Background(), "", dir), ErrMissingArgs)
	assert.Error(t, h.Run(context.Background(), srv.URL+"/", dir))
	assert.Empty(t, emit.named(EventDownloadFinish))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
