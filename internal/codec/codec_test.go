package codec

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingMsg struct {
	N uint32
}

func pingSerializer(buf *bytes.Buffer, msg any) error {
	p := msg.(pingMsg)
	return binaryWriteUint32(buf, p.N)
}

func pingDeserializer(r *bytes.Reader) (any, error) {
	n, err := binaryReadUint32(r)
	if err != nil {
		return nil, err
	}
	return pingMsg{N: n}, nil
}

func binaryWriteUint32(buf *bytes.Buffer, n uint32) error {
	var b [4]byte
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 24)
	_, err := buf.Write(b[:])
	return err
}

func binaryReadUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func newTestCodec() *Codec {
	return New(zerolog.Nop())
}

func TestHashStable(t *testing.T) {
	a := Hash("ping")
	b := Hash("ping")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Hash("pong"))
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := newTestCodec()
	c.Register("ping", pingSerializer, pingDeserializer)

	var got pingMsg
	require.NoError(t, c.Subscribe("ping", func(peer any, msg any) error {
		got = msg.(pingMsg)
		return nil
	}))

	data, err := c.Write("ping", pingMsg{N: 42})
	require.NoError(t, err)

	require.NoError(t, c.Read(data, "peer-a"))
	assert.Equal(t, uint32(42), got.N)
}

func TestReadShortMessage(t *testing.T) {
	c := newTestCodec()
	err := c.Read([]byte{1, 2, 3}, "peer-a")
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestReadUnknownType(t *testing.T) {
	c := newTestCodec()
	data := make([]byte, HashLen+1)
	err := c.Read(data, "peer-a")
	var unknown *ErrUnknownType
	assert.ErrorAs(t, err, &unknown)
}

func TestWriteUnregistered(t *testing.T) {
	c := newTestCodec()
	_, err := c.Write("missing", pingMsg{})
	assert.Error(t, err)
}

func TestSubscribeUnregistered(t *testing.T) {
	c := newTestCodec()
	err := c.Subscribe("missing", func(any, any) error { return nil })
	assert.Error(t, err)
}

func TestHandlerPanicContained(t *testing.T) {
	c := newTestCodec()
	c.Register("ping", pingSerializer, pingDeserializer)

	var secondCalled bool
	require.NoError(t, c.Subscribe("ping", func(any, any) error {
		panic("boom")
	}))
	require.NoError(t, c.Subscribe("ping", func(any, any) error {
		secondCalled = true
		return nil
	}))

	data, err := c.Write("ping", pingMsg{N: 1})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, c.Read(data, "peer-a"))
	})
	assert.True(t, secondCalled)
}

func TestHandlerErrorContained(t *testing.T) {
	c := newTestCodec()
	c.Register("ping", pingSerializer, pingDeserializer)

	var secondCalled bool
	require.NoError(t, c.Subscribe("ping", func(any, any) error {
		return fmt.Errorf("handler failed")
	}))
	require.NoError(t, c.Subscribe("ping", func(any, any) error {
		secondCalled = true
		return nil
	}))

	data, err := c.Write("ping", pingMsg{N: 1})
	require.NoError(t, err)
	require.NoError(t, c.Read(data, "peer-a"))
	assert.True(t, secondCalled)
}

func TestRegisterHashCollisionPanicsOnlyForDifferentName(t *testing.T) {
	c := newTestCodec()
	assert.NotPanics(t, func() {
		c.Register("ping", pingSerializer, pingDeserializer)
		c.Register("ping", pingSerializer, pingDeserializer)
	})
}
