package bgzf

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 100, 65279, 65280, 65281, 500000} {
		t.Logf("length: %d", length)
		input := make([]byte, length)
		n, err := rand.Read(input)
		require.Nil(t, err)
		assert.Equal(t, length, n)

		var buf bytes.Buffer
		w := NewWriter(&buf)
		n, err = w.Write(input)
		assert.Nil(t, err)
		assert.Equal(t, length, n)
		_, err = w.Finish()
		assert.Nil(t, err)

		r, err := gzip.NewReader(&buf)
		require.Nil(t, err)
		actual, err := ioutil.ReadAll(r)
		require.Nil(t, err)
		assert.Equal(t, length, len(actual))
		assert.Equal(t, 0, bytes.Compare(input, actual))
	}
}

func TestWriterEndsWithEOFMarker(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.Write([]byte("hello"))
	require.Nil(t, err)
	_, err = w.Finish()
	require.Nil(t, err)

	out := buf.Bytes()
	require.True(t, len(out) >= len(EOFMarker))
	assert.Equal(t, EOFMarker, out[len(out)-len(EOFMarker):])
}

func TestWriterVirtualOffset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	assert.Equal(t, uint64(0), w.VirtualOffset())

	_, err := w.Write([]byte("ABCD"))
	require.Nil(t, err)
	assert.Equal(t, uint64(4), w.VirtualOffset())

	require.Nil(t, w.CloseWithoutEOF())
	voffset1 := w.VirtualOffset()
	assert.Equal(t, uint64(0), voffset1&0xffff)
	assert.NotEqual(t, uint64(0), voffset1>>16)

	_, err = w.Write([]byte("E"))
	require.Nil(t, err)
	voffset2 := w.VirtualOffset()
	assert.Equal(t, uint64(1), voffset2&0xffff)
	assert.Equal(t, voffset1>>16, voffset2>>16)
}

func TestWriterBlockNeverExceedsMax(t *testing.T) {
	// A full block of random, incompressible payload: the largest case for
	// the size of a compressed block.
	input := make([]byte, MaxUncompressedSize)
	_, err := rand.Read(input)
	require.Nil(t, err)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err = w.Write(input)
	require.Nil(t, err)
	_, err = w.Finish()
	require.Nil(t, err)

	out := buf.Bytes()
	for off := 0; off < len(out); {
		require.True(t, off+headerSize <= len(out))
		total := (int(out[off+16]) | int(out[off+17])<<8) + 1
		assert.True(t, total <= maxBlockSize, "block at %d is %d bytes", off, total)
		off += total
	}

	r, err := gzip.NewReader(&buf)
	require.Nil(t, err)
	actual, err := ioutil.ReadAll(r)
	require.Nil(t, err)
	assert.Equal(t, input, actual)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
