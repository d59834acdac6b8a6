package msgstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceGenerateOnlyOnce(t *testing.T) {
	ns := NewNonceStore("test")
	ns.random = bytes.NewReader(bytes.Repeat([]byte{0x11}, NonceSize*2))

	ns.Generate(1)
	first, ok := ns.Get(1)
	require.True(t, ok)
	assert.Equal(t, [NonceSize]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}, first)

	ns.random = bytes.NewReader(bytes.Repeat([]byte{0x22}, NonceSize))
	ns.Generate(1)
	second, _ := ns.Get(1)
	assert.Equal(t, first, second, "existing nonce is kept")
}

func TestNonceSetGetRoundTrip(t *testing.T) {
	ns := NewNonceStore("test")
	want := [NonceSize]byte{1, 2, 3, 4, 5, 6, 7, 8}

	ns.Set(2, want)
	got, ok := ns.Get(2)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// Overwrite
	want[0] = 0xFF
	ns.Set(2, want)
	got, _ = ns.Get(2)
	assert.Equal(t, want, got)
}

func TestNonceGetReturnsCopy(t *testing.T) {
	ns := NewNonceStore("test")
	ns.Set(1, [NonceSize]byte{9})

	got, _ := ns.Get(1)
	got[0] = 0
	again, _ := ns.Get(1)
	assert.Equal(t, byte(9), again[0])
}

func TestNonceClear(t *testing.T) {
	ns := NewNonceStore("test")
	ns.Generate(1)
	ns.Generate(2)

	ns.Clear(1)
	_, ok := ns.Get(1)
	assert.False(t, ok)
	_, ok = ns.Get(2)
	assert.True(t, ok)

	ns.ClearAll()
	_, ok = ns.Get(2)
	assert.False(t, ok)
}

func TestNonceInvalidIDs(t *testing.T) {
	ns := NewNonceStore("test")
	ns.Generate(0)
	ns.Set(MaxInstances+1, [NonceSize]byte{1})

	_, ok := ns.Get(0)
	assert.False(t, ok)
	_, ok = ns.Get(MaxInstances + 1)
	assert.False(t, ok)
}

func TestNonceGenerateFailureLeavesNoNonce(t *testing.T) {
	ns := NewNonceStore("test")
	ns.random = bytes.NewReader([]byte{1, 2, 3})

	ns.Generate(1)
	_, ok := ns.Get(1)
	assert.False(t, ok)
}
