package queue

import "log/slog"

type options struct {
	logger    *slog.Logger
	readAhead int
}

// Option 設定 Producer / Consumer
type Option func(*options)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReadAhead 設定 Consumer 每次向 log 讀取的最少筆數，多出的部份會被快取
func WithReadAhead(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readAhead = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
