package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushChunks(f *Framer, stream string, sizes ...int) []string {
	var out []string
	i := 0
	for _, n := range sizes {
		if i >= len(stream) {
			break
		}
		end := i + n
		if end > len(stream) {
			end = len(stream)
		}
		out = append(out, f.Push([]byte(stream[i:end]))...)
		i = end
	}
	if i < len(stream) {
		out = append(out, f.Push([]byte(stream[i:]))...)
	}
	return out
}

func TestFramerSplitAndCoalesceInvariance(t *testing.T) {
	stream := "ME_BR:1\nME_RA:2\nMR_CA:OK\nME_OD:1,0,10,20,5,1700000000\n"
	want := []string{"ME_BR:1", "ME_RA:2", "MR_CA:OK", "ME_OD:1,0,10,20,5,1700000000"}

	t.Run("single read", func(t *testing.T) {
		assert.Equal(t, want, NewFramer(0).Push([]byte(stream)))
	})

	t.Run("byte at a time", func(t *testing.T) {
		sizes := make([]int, len(stream))
		for i := range sizes {
			sizes[i] = 1
		}
		assert.Equal(t, want, pushChunks(NewFramer(0), stream, sizes...))
	})

	t.Run("every split point", func(t *testing.T) {
		for cut := 1; cut < len(stream); cut++ {
			got := pushChunks(NewFramer(0), stream, cut)
			require.Equal(t, want, got, "split at %d", cut)
		}
	})

	t.Run("uneven chunks", func(t *testing.T) {
		assert.Equal(t, want, pushChunks(NewFramer(0), stream, 3, 11, 2, 17, 5))
	})
}

func TestFramerPartialFrameIsHeld(t *testing.T) {
	f := NewFramer(0)

	assert.Empty(t, f.Push([]byte("ME_B")))
	assert.Equal(t, 4, f.Buffered())
	assert.Equal(t, []string{"ME_BR:0"}, f.Push([]byte("R:0\nME")))
	assert.Equal(t, 2, f.Buffered())
}

func TestFramerStripsCarriageReturnAndBlankLines(t *testing.T) {
	f := NewFramer(0)
	assert.Equal(t, []string{"MR_MP:OK", "ME_RB:1"}, f.Push([]byte("MR_MP:OK\r\n\n\r\nME_RB:1\n")))
}

func TestFramerDropsOversizedFrames(t *testing.T) {
	f := NewFramer(16)

	got := f.Push([]byte("ME_BR:1\n" + strings.Repeat("x", 40)))
	assert.Equal(t, []string{"ME_BR:1"}, got)

	got = f.Push([]byte(strings.Repeat("y", 10) + "\nME_RA:2\n"))
	assert.Equal(t, []string{"ME_RA:2"}, got)
	assert.Equal(t, uint64(1), f.Oversized())

	got = f.Push([]byte(strings.Repeat("z", 20) + "\nME_RB:0\n"))
	assert.Equal(t, []string{"ME_RB:0"}, got)
	assert.Equal(t, uint64(2), f.Oversized())
}

func TestFramerReset(t *testing.T) {
	f := NewFramer(0)
	f.Push([]byte("ME_BR"))
	f.Reset()
	assert.Equal(t, 0, f.Buffered())
	assert.Equal(t, []string{"ME_RA:1"}, f.Push([]byte("ME_RA:1\n")))
}

func TestAppendFrame(t *testing.T) {
	out := AppendFrame(nil, "MC_MP")
	out = AppendFrame(out, "MC_OD:4")
	assert.Equal(t, "MC_MP\nMC_OD:4\n", string(out))
}
