package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("debug", "json", &buf)
	defer func() {
		log.Logger = zerolog.New(nil)
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}()

	l := Component("index")
	l.Info().Str("uuid", "abc").Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "index", entry["component"])
	assert.Equal(t, "abc", entry["uuid"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("warn", "json", &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	l := Get()
	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
