package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GIVEN a chain of layers
// WHEN the memory layout is designed
// THEN consumers alias their producer's memory (no copies) and no block
// is truncated below its payload.
func TestDesignMMLayout_AliasingAndSizes(t *testing.T) {
	n := NewNet("chain", DefaultArch())

	in := NewInput("input", 0, 8, 8, 3)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 4
	conv.KernelLength = 3
	conv.PaddingMode = PadSame
	slice := NewSliceChannel("slice", 2, 1, 3)
	slice.OutIsResult = true
	n.AddLayer(in, conv, slice)
	conv.AddSrcLayers(in)
	slice.AddSrcLayers(conv)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	require.NoError(t, n.ProcessParams())
	require.NoError(t, n.DesignMMLayout())

	for _, l := range n.Layers {
		b := l.Base()
		require.True(t, b.OutDim.MM.LayoutKnown, "layer %s", l.FullName())

		// No truncation: reserved size covers the payload.
		if b.OutDim.MM.Size > 0 {
			payload := uint32(b.OutDim.Ch * 2 * b.OutDim.MM.X * b.OutDim.MM.Y)
			assert.GreaterOrEqual(t, b.OutDim.MM.Size, payload, "layer %s", l.FullName())
		}

		// Aliasing: the consumer's input dim is the producer's output dim.
		for srcIdx, sl := range b.SrcLayers {
			src := sl.Base()
			for k := range src.OutDim.MM.ChannelBase {
				if srcIdx == 0 && k < len(b.InDim(0).MM.ChannelBase) {
					assert.Equal(t, src.OutDim.MM.ChannelBase[k], b.InDim(srcIdx).MM.ChannelBase[k])
				}
			}
		}
	}

	// SliceChannel rebases onto the sliced input channel and consumes no
	// space.
	assert.Equal(t, conv.OutDim.MM.ChannelBase[1], slice.OutDim.MM.ChannelBase[0])
	assert.Equal(t, uint32(0), slice.OutputMMSize())
}

// GIVEN outputs so large they would grow into the weight region
// WHEN the layout is designed
// THEN a memory overflow is reported.
func TestDesignMMLayout_OutputRegionOverflow(t *testing.T) {
	arch := DefaultArch()
	arch.MMOutputBase = 0x9FFFF000 // just below the weight region

	n := NewNet("overflow", arch)
	in := NewInput("input", 0, 64, 64, 8)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 8
	conv.KernelLength = 1
	conv.PaddingMode = PadValid
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	require.NoError(t, n.ProcessParams())
	err := n.DesignMMLayout()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemoryOverflow)
}

// GIVEN a compiled net
// WHEN it is compiled a second time from a fresh graph
// THEN the blobs are byte-identical (determinism).
func TestGenerate_Deterministic(t *testing.T) {
	build := func() *Net {
		n := NewNet("det", DefaultArch())
		in := NewInput("input", 0, 8, 8, 3)
		conv := NewConv2D("conv", 1)
		conv.OutDim.Ch = 4
		conv.KernelLength = 3
		conv.PaddingMode = PadSame
		conv.UseBias = true
		conv.OutIsResult = true
		n.AddLayer(in, conv)
		conv.AddSrcLayers(in)
		conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))
		return n
	}

	n1 := build()
	n2 := build()
	compileNet(t, n1)
	compileNet(t, n2)

	assert.Equal(t, n1.EisvBlob(), n2.EisvBlob())
	assert.Equal(t, n1.WeightsBlob(), n2.WeightsBlob())
}

// GIVEN a net with one input and one result layer
// WHEN the exec list is generated
// THEN exactly one layer carries each host-handshake marker, and the
// decoupled mode reverses the list.
func TestExecList_HandshakeMarkers(t *testing.T) {
	n := NewNet("marks", DefaultArch())
	in := NewInput("input", 0, 8, 8, 2)
	c1 := NewConv2D("c1", 1)
	c1.OutDim.Ch = 2
	c1.KernelLength = 1
	c1.PaddingMode = PadValid
	c2 := NewConv2D("c2", 2)
	c2.OutDim.Ch = 2
	c2.KernelLength = 1
	c2.PaddingMode = PadValid
	c2.OutIsResult = true
	n.AddLayer(in, c1, c2)
	c1.AddSrcLayers(in)
	c2.AddSrcLayers(c1)
	c1.SetWeights(make([]int16, c1.ExpectedWeightCount()))
	c2.SetWeights(make([]int16, c2.ExpectedWeightCount()))

	require.NoError(t, n.ProcessParams())
	require.NoError(t, n.DesignMMLayout())
	n.GenerateLayerExecList()
	n.markHostHandshake()

	assert.Equal(t, []int{1, 2}, n.LayerExeclist)
	assert.True(t, c1.LastLayerUsingInput)
	assert.False(t, c2.LastLayerUsingInput)
	assert.True(t, c2.FirstLayerProducingOutput)

	// Decoupled: reversed order.
	n2 := NewNet("marks2", DefaultArch())
	n2.RunLayersDecoupled = true
	n2.Layers = n.Layers
	n2.GenerateLayerExecList()
	assert.Equal(t, []int{2, 1}, n2.LayerExeclist)
}
