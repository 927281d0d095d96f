package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	value, err := EncodeEnvelope("subs.schedule", map[string]interface{}{
		"subscription_id": 3,
		"run_id":          9,
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(value)
	require.NoError(t, err)
	assert.Equal(t, "subs.schedule", env.Event)

	var payload struct {
		RunID uint `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.EqualValues(t, 9, payload.RunID)
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("rejects malformed bytes", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte("not json"))
		assert.Error(t, err)
	})

	t.Run("rejects missing event name", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte(`{"data":{}}`))
		assert.Error(t, err)
	})

	t.Run("preserves unknown payload fields", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"event":"x","data":{"run_id":1,"future_field":"ok"}}`))
		require.NoError(t, err)
		assert.Contains(t, string(env.Data), "future_field")
	})
}
