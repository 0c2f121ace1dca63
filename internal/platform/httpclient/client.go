// Package httpclient builds the retrying HTTP clients used for every outbound
// call: payer gateways, the assistant and webhook delivery.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Options configures a client. MaxRetries of zero disables retries, which is
// required for calls that are not idempotent.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	WaitMin    time.Duration
	WaitMax    time.Duration
}

// New returns a retryablehttp client that logs through zerolog and hands the
// last response back to the caller instead of wrapping it in a generic error,
// so callers can classify status codes themselves.
func New(opts Options, logger zerolog.Logger) *retryablehttp.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.WaitMin <= 0 {
		opts.WaitMin = 200 * time.Millisecond
	}
	if opts.WaitMax <= 0 {
		opts.WaitMax = 2 * time.Second
	}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: opts.Timeout}
	c.RetryMax = opts.MaxRetries
	c.RetryWaitMin = opts.WaitMin
	c.RetryWaitMax = opts.WaitMax
	c.Logger = LeveledLogger{logger}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// LeveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type LeveledLogger struct {
	L zerolog.Logger
}

func (z LeveledLogger) Error(msg string, kv ...interface{}) { z.L.Error().Fields(kv).Msg(msg) }
func (z LeveledLogger) Warn(msg string, kv ...interface{})  { z.L.Warn().Fields(kv).Msg(msg) }
func (z LeveledLogger) Info(msg string, kv ...interface{})  { z.L.Debug().Fields(kv).Msg(msg) }
func (z LeveledLogger) Debug(msg string, kv ...interface{}) { z.L.Debug().Fields(kv).Msg(msg) }
