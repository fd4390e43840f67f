package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceHandlerFormatsPodPrefixAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewServiceHandler("nodelet", slog.LevelInfo, &buf)
	logger := slog.New(h)

	logger.Info("container started", slog.String("pod", "default/web-0"), slog.String("container", "app"))

	line := buf.String()
	require.NotEmpty(t, line)
	assert.Contains(t, line, "nodelet [INFO]")
	assert.Contains(t, line, "pod=default/web-0 container started")
	assert.Contains(t, line, "container=app")
}

func TestServiceHandlerEnabled(t *testing.T) {
	h := NewServiceHandler("nodelet", slog.LevelWarn, &bytes.Buffer{})
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestServiceHandlerWithGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	h := NewServiceHandler("nodelet", slog.LevelInfo, &buf).WithGroup("state")
	logger := slog.New(h)

	logger.Info("transition", slog.String("from", "Registered"))

	assert.True(t, strings.Contains(buf.String(), "state.from=Registered"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
