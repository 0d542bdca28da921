// Package logger wraps zerolog with process-wide defaults and
// invocation-scoped fields.
package logger

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Level      string
	Format     string // json | console
	Service    string
	Writer     io.Writer
	WithCaller bool
}

// FromEnv builds Options from LOG_* variables.
func FromEnv() Options {
	caller, _ := strconv.ParseBool(os.Getenv("LOG_CALLER"))
	return Options{
		Level:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		Format:     strings.ToLower(getenv("LOG_FORMAT", "json")),
		Service:    getenv("LOG_SERVICE", "face-tagger"),
		WithCaller: caller,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	once   sync.Once
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

type Logger = zerolog.Logger

// Get returns the root logger, initializing it from the environment on first use.
func Get() *Logger {
	if !inited.Load() {
		Init(FromEnv())
	}
	return root.Load()
}

// Init builds the root logger. Only the first call has any effect.
func Init(opt Options) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		var w io.Writer = os.Stdout
		if opt.Writer != nil {
			w = opt.Writer
		}
		if opt.Format == "console" {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}

		ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
		if opt.Service != "" {
			ctx = ctx.Str("service", opt.Service)
		}
		log := ctx.Logger()
		if opt.WithCaller {
			log = log.With().Caller().Logger()
		}

		root.Store(&log)
		inited.Store(true)
	})
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type ctxKey struct{ name string }

var (
	keyInvocationID = ctxKey{"invocation_id"}
	keyImageKey     = ctxKey{"image_key"}
)

// WithInvocation tags ctx with the id of the batch being processed.
func WithInvocation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, keyInvocationID, id)
}

// WithImage tags ctx with the object key of the image being processed.
func WithImage(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, keyImageKey, key)
}

// C returns a child logger carrying the fields stored in ctx.
func C(ctx context.Context) *Logger {
	b := Get().With()
	if s, ok := ctx.Value(keyInvocationID).(string); ok {
		b = b.Str("invocation_id", s)
	}
	if s, ok := ctx.Value(keyImageKey).(string); ok {
		b = b.Str("image_key", s)
	}
	l := b.Logger()
	return &l
}

// Named returns a child logger with a component field.
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	l := Get().With().Str("component", component).Logger()
	return &l
}
