package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestWriter(t *testing.T) {
	w, _ := Writer("stdout")
	assert.Equal(t, os.Stdout, w)

	w, _ = Writer("stderr")
	assert.Equal(t, os.Stderr, w)

	w, _ = Writer("")
	assert.Equal(t, io.Discard, w)

	w, closer := Writer("/tmp/photohub.log")
	lj, ok := w.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, 100, lj.MaxSize)
	assert.Equal(t, 14, lj.MaxAge)
	assert.Equal(t, 10, lj.MaxBackups)
	assert.NoError(t, closer.Close())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photohub.log")

	logger, closer, err := New(Options{Level: "warn", Output: path})
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("engine", "uvc").Msg("shown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"engine":"uvc"`)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestNew_Level(t *testing.T) {
	logger, _, err := New(Options{Output: ""})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger, _, err = New(Options{Level: "debug", Output: "", Console: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	_, _, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}
