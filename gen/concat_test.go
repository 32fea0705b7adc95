package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

// GIVEN a channel concatenation of two 16x16x8 tensors
// WHEN the memory layout is designed
// THEN the output channel bases alias the sources: channel 8 is the base
// of the second source, not a freshly derived address.
func TestConcatenate_ChannelAliasing(t *testing.T) {
	n := NewNet("concat", DefaultArch())

	a := NewInput("a", 0, 16, 16, 8)
	b := NewInput("b", 1, 16, 16, 8)
	cat := NewConcatenate("cat", 2)
	cat.Axis = 2
	cat.OutIsResult = true
	n.AddLayer(a, b, cat)
	cat.AddSrcLayers(a, b)

	require.NoError(t, n.ProcessParams())
	require.NoError(t, n.DesignMMLayout())

	require.Equal(t, 16, cat.OutDim.Ch)
	require.Len(t, cat.OutDim.MM.ChannelBase, 16)

	// Aliasing: both halves point into the source data.
	assert.Equal(t, a.OutDim.MM.ChannelBase[0], cat.OutDim.MM.ChannelBase[0])
	assert.Equal(t, b.OutDim.MM.ChannelBase[0], cat.OutDim.MM.ChannelBase[8])
	assert.Equal(t, uint32(0), cat.OutputMMSize())

	// Every channel of both halves aliases its source channel.
	for k := 0; k < 8; k++ {
		assert.Equal(t, a.OutDim.MM.ChannelBase[k], cat.OutDim.MM.ChannelBase[k])
		assert.Equal(t, b.OutDim.MM.ChannelBase[k], cat.OutDim.MM.ChannelBase[8+k])
	}
}

// GIVEN a concatenation whose sources need a requantisation shift
// WHEN the net is compiled
// THEN the copy path is taken: the layer owns output memory and emits DMA
// copies for every segment.
func TestConcatenate_CopyPathWithShifts(t *testing.T) {
	n := NewNet("concat-shift", DefaultArch())

	a := NewInput("a", 0, 8, 8, 2)
	b := NewInput("b", 1, 8, 8, 2)
	cat := NewConcatenate("cat", 2)
	cat.Axis = 2
	cat.InShiftsRight = []int16{1, 0}
	cat.OutIsResult = true
	n.AddLayer(a, b, cat)
	cat.AddSrcLayers(a, b)

	compileNet(t, n)

	assert.Greater(t, cat.OutputMMSize(), uint32(0))
	assert.NotEqual(t, a.OutDim.MM.ChannelBase[0], cat.OutDim.MM.ChannelBase[0])
	assert.Greater(t, cat.Base().CmdCnt.DMA, 0)

	// Every input channel produces exactly one load and one store per
	// segment position.
	loads, stores := 0, 0
	for _, c := range cat.Base().Commands {
		if c.Type != bif.CmdDMA {
			continue
		}
		if c.DMA.Direction.IsL2E() {
			stores++
		} else {
			loads++
		}
	}
	assert.Equal(t, loads, stores)
}

// GIVEN a concatenation along an unsupported axis
// WHEN parameters are processed
// THEN the layer is rejected with a shape error.
func TestConcatenate_UnsupportedAxis(t *testing.T) {
	for _, axis := range []int{0, 1} {
		n := NewNet("concat-axis", DefaultArch())
		a := NewInput("a", 0, 8, 8, 2)
		b := NewInput("b", 1, 8, 8, 2)
		cat := NewConcatenate("cat", 2)
		cat.Axis = axis
		n.AddLayer(a, b, cat)
		cat.AddSrcLayers(a, b)

		err := n.ProcessParams()
		require.Error(t, err, "axis %d", axis)
		assert.ErrorIs(t, err, ErrShape)
	}
}
