package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	A int
	B string
}

func TestJSONRoundTrip(t *testing.T) {
	c := JSON{}
	data, err := c.Encode(payload{A: 1, B: "x"})
	require.NoError(t, err)
	require.Equal(t, byte(TagJSON), data[0])

	var out payload
	require.NoError(t, c.Decode(data, &out))
	require.Equal(t, payload{A: 1, B: "x"}, out)
}

func TestBinaryRoundTrip(t *testing.T) {
	c := Binary{}
	data, err := c.Encode(payload{A: 2, B: "y"})
	require.NoError(t, err)
	require.Equal(t, byte(TagBinary), data[0])

	var out payload
	require.NoError(t, c.Decode(data, &out))
	require.Equal(t, payload{A: 2, B: "y"}, out)
}

func TestDecodeWrongTag(t *testing.T) {
	jsonData, err := JSON{}.Encode(payload{A: 1})
	require.NoError(t, err)

	err = Binary{}.Decode(jsonData, &payload{})
	require.Error(t, err)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()

	jsonData, err := JSON{}.Encode(payload{A: 3})
	require.NoError(t, err)
	binData, err := Binary{}.Encode(payload{A: 4})
	require.NoError(t, err)

	var a, b payload
	require.NoError(t, r.Decode(jsonData, &a))
	require.NoError(t, r.Decode(binData, &b))
	require.Equal(t, 3, a.A)
	require.Equal(t, 4, b.A)
}

func TestRegistryUnknownTag(t *testing.T) {
	r := NewRegistry()
	err := r.Decode([]byte{0xFF, 1, 2, 3}, &payload{})
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeEmptyPayload(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Decode(nil, &payload{}))
}
