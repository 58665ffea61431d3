package sage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestGORMLoggerLogMode(t *testing.T) {
	handler := newLogHandler(io.Discard, slog.LevelDebug)
	gl := newGORMLogger(handler, 200*time.Millisecond)
	require.NotNil(t, gl.handler)

	derived, ok := gl.LogMode(logger.Warn).(gormStructuredLogger)
	require.True(t, ok)
	require.NotNil(t, derived.handler)
	assert.Equal(t, 200*time.Millisecond, derived.SlowThreshold)

	// the derived logger must be usable
	derived.Trace(
		context.Background(), time.Now(), func() (string, int64) {
			return "SELECT 1", 1
		}, nil,
	)
}

func TestDiscordgoLoggerFuncLevels(t *testing.T) {
	var buf bytes.Buffer
	logFunc := discordgoLoggerFunc(
		context.Background(),
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)

	logFunc(1000, 0, "unknown level %d", 1000)
	assert.Contains(t, buf.String(), "level=INFO")

	buf.Reset()
	logFunc(discordgo.LogError, 0, "an error: %s", "boom")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "boom")
}
