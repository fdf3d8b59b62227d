package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewFromEnvDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	log := NewFromEnv("edge-test")
	assert.Equal(t, "info", log.GetLevel().String())
}

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New(Config{Level: "debug", Format: "json", Component: "refresher"})
	assert.Equal(t, "debug", log.GetLevel().String())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestNewFallsBackOnInvalidLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level", Format: "text"})
	assert.Equal(t, "info", log.GetLevel().String())
}

func TestWithContextAttachesFields(t *testing.T) {
	log := New(Config{Level: "info", Format: "text", Component: "refresher"})
	ctx := WithConnectionID(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	ctx = WithEnvironment(ctx, "production")
	entry := log.WithContext(ctx)
	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", entry.Data["connection_id"])
	assert.Equal(t, "production", entry.Data["environment"])
}

func TestRedactAuthorizationNeverLeaksSecret(t *testing.T) {
	assert.Equal(t, "***redacted***", RedactAuthorization("[p1]:dev.supersecret"))
}
