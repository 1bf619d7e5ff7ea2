// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options adds optional error reporting to the logger.
type Options struct {
	SentryDSN    string
	Environment  string
	Release      string
	SentryClient *sentry.Client
	Tags         map[string]string
}

// Logger wraps the zap logger with the Sentry client that may back it.
type Logger struct {
	*zap.Logger
	sentry *sentry.Client
}

// Flush drains buffered Sentry events. It is safe to call without Sentry.
func (l *Logger) Flush(timeout time.Duration) {
	if l.sentry != nil {
		l.sentry.Flush(timeout)
	}
}

// New builds a zap.Logger configured for development or production. When a
// Sentry DSN (or client) is supplied, error-level entries are also forwarded
// to Sentry and lower levels are kept as breadcrumbs.
func New(development bool, opts Options) (*Logger, error) {
	base, err := build(development)
	if err != nil {
		return nil, err
	}
	client := opts.SentryClient
	if client == nil && opts.SentryDSN != "" {
		client, err = sentry.NewClient(sentry.ClientOptions{
			Dsn:         opts.SentryDSN,
			Environment: opts.Environment,
			Release:     opts.Release,
			Debug:       development,
		})
		if err != nil {
			return nil, fmt.Errorf("build sentry client: %w", err)
		}
	}
	if client == nil {
		return &Logger{Logger: base}, nil
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              opts.Tags,
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, fmt.Errorf("build sentry core: %w", err)
	}
	return &Logger{Logger: zapsentry.AttachCoreToLogger(core, base), sentry: client}, nil
}

func build(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}
