package jobs

// ============================================================================
// download handler
// args:    [url, dir, name?, progress?]
// preArgs: [userAgent?]
//
// 檔案先寫入 <name>.part，完成後 rename；完成時送出 download-finish，
// progress 為 true 時每秒送出 download-progress。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/castpool/internal/worker"
)

var (
	// ErrBadStatus 表示伺服器回應非 2xx
	ErrBadStatus = errors.New("jobs: unexpected http status")
	// ErrMissingArgs 表示缺少 url 或 dir
	ErrMissingArgs = errors.New("jobs: download needs url and dir")
)

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|]`)

// ProgressInterval is how often download-progress is emitted.
var ProgressInterval = time.Second

// FinishEvent is the payload of download-finish.
type FinishEvent struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// ProgressEvent is the payload of download-progress. Percent is -1 when the
// server did not send a Content-Length.
type ProgressEvent struct {
	Name    string  `json:"name"`
	Bytes   int64   `json:"bytes"`
	Percent float64 `json:"percent"`
}

type downloader struct {
	emit      worker.Emitter
	client    *http.Client
	userAgent string
}

func NewDownloader(emit worker.Emitter) worker.Handler {
	return &downloader{emit: emit}
}

func (d *downloader) PreLaunch(_ context.Context, preArgs ...any) error {
	ua, err := argString(preArgs, 0)
	if err != nil {
		return err
	}
	d.userAgent = ua
	d.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	return nil
}

func (d *downloader) Run(ctx context.Context, args ...any) error {
	rawURL, err := argString(args, 0)
	if err != nil {
		return err
	}
	dir, err := argString(args, 1)
	if err != nil {
		return err
	}
	if rawURL == "" || dir == "" {
		return ErrMissingArgs
	}
	name, err := argString(args, 2)
	if err != nil {
		return err
	}
	progress, err := argBool(args, 3)
	if err != nil {
		return err
	}

	name, err = fileName(rawURL, name)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, name)
	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}

	counter := &countingWriter{w: f}
	var stop func()
	if progress {
		stop = d.reportProgress(name, counter, resp.ContentLength)
	}

	_, copyErr := io.Copy(counter, resp.Body)
	if stop != nil {
		stop()
	}
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dst); err != nil {
		return err
	}

	return d.emit.Emit(EventDownloadFinish, FinishEvent{Name: name, Path: dst, Bytes: counter.n.Load()})
}

func (d *downloader) End(context.Context) error {
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
	return nil
}

// reportProgress emits download-progress until the returned stop is called.
func (d *downloader) reportProgress(name string, c *countingWriter, total int64) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := c.n.Load()
				pct := -1.0
				if total > 0 {
					pct = float64(n) / float64(total) * 100
				}
				d.emit.Emit(EventDownloadProgress, ProgressEvent{Name: name, Bytes: n, Percent: pct})
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// fileName returns name, or the last path segment of the URL, stripped of
// characters that are unsafe in file names.
func fileName(rawURL, name string) (string, error) {
	if name == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		name = path.Base(u.Path)
	}
	name = unsafeName.ReplaceAllString(name, "")
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("jobs: cannot derive file name from %q", rawURL)
	}
	return name, nil
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
