package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"deal.won","payload":{"deal_id":7,"amount":"120.00"}}`))
	require.NoError(t, err)
	assert.Equal(t, "deal.won", evt.Type)
	assert.JSONEq(t, `{"deal_id":7,"amount":"120.00"}`, string(evt.Payload))

	evt, err = DecodeEvent([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Empty(t, evt.Payload)

	_, err = DecodeEvent([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrUntypedEvent)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
