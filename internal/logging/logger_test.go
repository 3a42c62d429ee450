package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Config{Level: "info"}, &buf), "listener")

	log.Debug().Msg("hidden")
	log.Info().Int64("host_id", 7).Msg("response saved")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listener", entry["component"])
	assert.Equal(t, "response saved", entry["message"])
	assert.EqualValues(t, 7, entry["host_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
