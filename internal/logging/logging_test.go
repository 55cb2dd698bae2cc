package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	logger.Debug().Str("session_id", "s1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Equal(t, "workshop-mini", line["service"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "")
	require.NoError(t, err)

	logger.Info().Msg("quiet")
	assert.Zero(t, buf.Len())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil, "loud", "json")
	require.Error(t, err)
	_, err = New(nil, "info", "xml")
	require.Error(t, err)
}
