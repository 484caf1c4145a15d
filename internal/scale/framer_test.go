package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerSplitsOnDelimiterRuns(t *testing.T) {
	f := NewFramer()

	frames := f.Push([]byte("ST,+001.799 kg\r\nST,+001.800 kg\r\npartial"))
	require.Equal(t, []string{"ST,+001.799 kg", "ST,+001.800 kg"}, frames)
	assert.Equal(t, len("partial"), f.Pending())

	frames = f.Push([]byte(" tail\r\n"))
	assert.Equal(t, []string{"partial tail"}, frames)
	assert.Zero(t, f.Pending())
}

func TestFramerIdempotentAcrossChunkBoundaries(t *testing.T) {
	stream := []byte("ST,GS,+012.50 kg\r\n\r\nUS,+000.00kg\n500 g\r\n\nlast one\r\n")

	whole := NewFramer()
	want := whole.Push(stream)
	require.NotEmpty(t, want)

	// Splitting the stream at every possible byte boundary must produce the
	// same ordered frames.
	for cut := 1; cut < len(stream); cut++ {
		f := NewFramer()
		var got []string
		got = append(got, f.Push(stream[:cut])...)
		got = append(got, f.Push(stream[cut:])...)
		assert.Equalf(t, want, got, "split at byte %d", cut)
	}

	// One byte at a time.
	f := NewFramer()
	var got []string
	for i := range stream {
		got = append(got, f.Push(stream[i:i+1])...)
	}
	assert.Equal(t, want, got)
}

func TestFramerSuppressesBlankFrames(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte("\r\n\n\r   \r\nreal\r\n"))
	assert.Equal(t, []string{"real"}, frames)
}

func TestFramerNormalizesControlCharacters(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte("ST\x02+001.5\x06kg\x7f\r\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "ST +001.5 kg ", frames[0])
}

func TestFramerResetDiscardsRemainder(t *testing.T) {
	f := NewFramer()
	f.Push([]byte("ST,+001.7"))
	require.NotZero(t, f.Pending())

	// Stream termination: the half-written line must never surface.
	f.Reset()
	assert.Zero(t, f.Pending())
	assert.Equal(t, []string{"99 kg"}, f.Push([]byte("99 kg\r\n")))
}
