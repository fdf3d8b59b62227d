// Package logging provides structured logging with request/environment scoping.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values stored on a request context.
type ContextKey string

const (
	// ConnectionIDKey is the context key for the edge's upstream connection id.
	ConnectionIDKey ContextKey = "connection_id"
	// EnvironmentKey is the context key for the resolved environment name.
	EnvironmentKey ContextKey = "environment"
	// TokenKindKey is the context key for the token kind (client/frontend/admin).
	TokenKindKey ContextKey = "token_kind"
)

// redactedSecret replaces any token secret or Authorization header value before
// it reaches a log sink. Never log token.Secret or a raw Authorization header.
const redactedSecret = "***redacted***"

// Logger wraps logrus.Logger with edge-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls logger construction.
type Config struct {
	Level     string
	Format    string
	Component string
}

// New builds a Logger from an explicit configuration.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: cfg.Component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(Config{Level: level, Format: format, Component: component})
}

// WithContext attaches connection/environment/token-kind fields found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(ConnectionIDKey); v != nil {
		entry = entry.WithField("connection_id", v)
	}
	if v := ctx.Value(EnvironmentKey); v != nil {
		entry = entry.WithField("environment", v)
	}
	if v := ctx.Value(TokenKindKey); v != nil {
		entry = entry.WithField("token_kind", v)
	}
	return entry
}

// WithFields creates an entry scoped to this logger's component plus fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// RedactAuthorization returns a safe-to-log placeholder for any Authorization
// header or token secret value. Call sites must never log the raw value.
func RedactAuthorization(string) string {
	return redactedSecret
}

// WithConnectionID returns a context carrying the upstream connection id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

// WithEnvironment returns a context carrying the resolved environment name.
func WithEnvironment(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, EnvironmentKey, env)
}
