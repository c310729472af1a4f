package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

func TestCursorRoundTrip(t *testing.T) {
	codec := NewCursorCodec("pagination-secret")
	order := storage.Order{Key: "eventTime", Desc: false}
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	token := codec.Encode(order, at, 42)
	cursor, err := codec.Decode(token, order)
	require.NoError(t, err)

	assert.Equal(t, order, cursor.Order)
	assert.Equal(t, at, cursor.OrderValue)
	assert.Equal(t, int64(42), cursor.ID)
}

func TestCursorRejectsTampering(t *testing.T) {
	codec := NewCursorCodec("pagination-secret")
	order := storage.Order{Key: "eventTime"}

	token := codec.Encode(order, time.Now(), 42)
	tampered := token[:len(token)-2] + "xx"

	_, err := codec.Decode(tampered, order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidParameterValue))
}

func TestCursorRejectsForeignSecret(t *testing.T) {
	order := storage.Order{Key: "eventTime"}
	token := NewCursorCodec("one-secret").Encode(order, time.Now(), 42)

	_, err := NewCursorCodec("other-secret").Decode(token, order)
	assert.Error(t, err)
}

func TestCursorRejectsOrderMismatch(t *testing.T) {
	codec := NewCursorCodec("pagination-secret")
	token := codec.Encode(storage.Order{Key: "eventTime"}, time.Now(), 42)

	_, err := codec.Decode(token, storage.Order{Key: "recordTime"})
	assert.Error(t, err)

	_, err = codec.Decode(token, storage.Order{Key: "eventTime", Desc: true})
	assert.Error(t, err)
}

func TestCursorRejectsGarbage(t *testing.T) {
	codec := NewCursorCodec("pagination-secret")

	for _, token := range []string{"", "not base64 ___!", "aGVsbG8"} {
		_, err := codec.Decode(token, storage.Order{Key: "eventTime"})
		assert.Error(t, err, "token %q", token)

		var perr *types.ParameterError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "nextPageToken", perr.Parameter)
	}
}
