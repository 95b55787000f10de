package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn", "json")

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Str("code", "ab***yz").Msg("shown")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "shown", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewWriter_UnknownLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "loud", "json")
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", Redact("LAB4"))
	assert.Equal(t, "LA***42", Redact("LAB-0042"))
}
