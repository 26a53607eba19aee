// Package jobs holds the built-in job handlers and the default registry the
// worker runtime resolves handler names against.
package jobs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/castpool/internal/worker"
)

// Handler names.
const (
	Download = "download"
	Sleep    = "sleep"
)

// Worker event names emitted by the download handler.
const (
	EventDownloadFinish   = "download-finish"
	EventDownloadProgress = "download-progress"
)

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *worker.Registry {
	r := worker.NewRegistry()
	r.MustRegister(Download, NewDownloader)
	r.MustRegister(Sleep, NewSleeper)
	return r
}

// ============================================================================
// 參數解析
// args 來自 queue 的 JSON，數字一律是 float64，布林可能是字串
// ============================================================================

func argString(args []any, i int) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", nil
	}
	switch v := args[i].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("arg %d: want string, got %T", i, args[i])
	}
}

func argBool(args []any, i int) (bool, error) {
	if i >= len(args) || args[i] == nil {
		return false, nil
	}
	switch v := args[i].(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}
		return strconv.ParseBool(v)
	default:
		return false, fmt.Errorf("arg %d: want bool, got %T", i, args[i])
	}
}

// argDuration accepts a Go duration string or a number of milliseconds.
func argDuration(args []any, i int) (time.Duration, error) {
	if i >= len(args) || args[i] == nil {
		return 0, nil
	}
	switch v := args[i].(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("arg %d: want duration, got %T", i, args[i])
	}
}
