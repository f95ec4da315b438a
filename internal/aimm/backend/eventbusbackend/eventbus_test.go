package eventbusbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	payload := encodePayload("running_stats", []byte{0x01, 0x02, 0xff})

	m, ok := decodeModel(7, payload)
	require.True(t, ok)
	assert.Equal(t, uint64(7), m.InstanceID)
	assert.Equal(t, "running_stats", m.ModelType)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, m.Instance)
}

func TestDecodeModelRejectsMissingType(t *testing.T) {
	_, ok := decodeModel(1, `{"instance":"AQ=="}`)
	assert.False(t, ok)
}

func TestDecodeModelRejectsInvalidBase64(t *testing.T) {
	_, ok := decodeModel(1, `{"type":"x","instance":"not-base64!!"}`)
	assert.False(t, ok)
}

func TestDecodeModelRejectsGarbagePayload(t *testing.T) {
	_, ok := decodeModel(1, `not json at all`)
	assert.False(t, ok)
}

func TestBackendKeyFormatsWithPrefix(t *testing.T) {
	b := &Backend{modelPrefix: "aimm/models"}
	assert.Equal(t, "aimm/models/42", b.key(42))
}
