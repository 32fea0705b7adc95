package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

// GIVEN a 1-layer identity convolution (1x1 kernel, stride 1, 4x4x1 in
// and out, weights = {1})
// WHEN the net is compiled
// THEN exactly one real segment, one conv_start and one shift_store are
// produced, the weight blob holds 2 byte and the blob headers check out.
func TestConv2D_IdentityConvolution(t *testing.T) {
	n := NewNet("identity", DefaultArch())

	in := NewInput("input", 0, 4, 4, 1)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 1
	conv.KernelLength = 1
	conv.Stride = 1
	conv.PaddingMode = PadSame
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights([]int16{1})

	compileNet(t, n)

	// Geometry: 4x4 output at the default output base.
	require.True(t, conv.OutDim.MM.LayoutKnown)
	assert.Equal(t, 4, conv.OutDim.X)
	assert.Equal(t, 4, conv.OutDim.Y)
	assert.Equal(t, uint32(0x81000000), conv.OutDim.MM.Base)

	// One real segment in one set.
	assert.Equal(t, 1, nonDummySegments(conv))
	assert.Equal(t, n.Arch.ParallelLanes(), len(conv.Base().Segments))

	// Exactly one conv_start, one shift_store, no pooling or activation.
	starts := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpConvStart
	})
	stores := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpShiftStore
	})
	pools := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO &&
			(c.VPRO.Command == bif.VOpMaxPool2x2Fused || c.VPRO.Command == bif.VOpActivationFused)
	})
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stores)
	assert.Equal(t, 0, pools)

	// Counter triple: one dma_wait before compute, one vpro_sync before
	// store, one terminating dma_wait; kernel + bias + input loads plus
	// one store.
	assert.Equal(t, CmdCount{Sync: 3, VPRO: 2, DMA: 4}, conv.Base().CmdCnt)

	// Weight blob is exactly the packed kernel.
	assert.Equal(t, 2, len(n.WeightsBlob()))

	// Program blob: magic word and layout.
	hdr, err := bif.DecodeNetHeader(n.EisvBlob())
	require.NoError(t, err)
	assert.Equal(t, bif.NetMagicword, hdr.Magicword)
	assert.Equal(t, uint32(len(n.EisvBlob())), hdr.Blobsize)
	assert.Equal(t, uint32(1), hdr.LayerCount)
	assert.Equal(t, uint32(1), hdr.LayerExeclistCnt)

	expected := bif.Align(bif.NetHeaderSize+4, bif.BlobAlign) +
		bif.Align(uint32(bif.LayerHeaderSize+len(conv.Base().Commands)*bif.CommandSegmentSize), bif.BlobAlign) + 4
	assert.Equal(t, expected, hdr.Blobsize)
}

// GIVEN a same-padded 3x3 convolution over 8x8x3 producing 8x8x4
// WHEN the net is compiled
// THEN the input padding is (1,1,1,1), a single segment suffices, its
// load transfers carry pad flags on all four edges and the input tile is
// broadcast to all units.
func TestConv2D_SamePadding3x3(t *testing.T) {
	n := NewNet("samepad", DefaultArch())

	in := NewInput("input", 0, 8, 8, 3)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 4
	conv.KernelLength = 3
	conv.Stride = 1
	conv.PaddingMode = PadSame
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	compileNet(t, n)

	// Algorithm padding (1,1,1,1).
	assert.Equal(t, bif.PadReduced{Top: 1, Right: 1, Bottom: 1, Left: 1}, conv.Padding.Algo)

	// Everything fits into one segment per channel.
	assert.Equal(t, 1, conv.Seg.Num.X)
	assert.Equal(t, 1, conv.Seg.Num.Y)

	// Input tile loads carry all four pad flags and a full unit broadcast
	// mask.
	allPad := bif.PadFlags(true, true, true, true)
	fullUnits := uint32(1)<<n.Arch.Units - 1
	broadcasts := 0
	for _, c := range conv.Base().Commands {
		if c.Type == bif.CmdDMA && c.DMA.Direction == bif.DirE2L2D {
			assert.Equal(t, allPad, c.DMA.Padding, "input tile must pad on all four edges")
			assert.Equal(t, fullUnits, c.DMA.UnitMask, "input tile must broadcast to all units")
			broadcasts++
		}
	}
	assert.Greater(t, broadcasts, 0)

	// Counter invariant: equal numbers of dma_wait before compute and
	// vpro_sync before store (plus the terminating wait).
	assert.Equal(t, 1, conv.Base().CmdCnt.Sync%2)
}

// GIVEN a strided depthwise convolution (kernel 3, stride 2, 16 groups)
// WHEN the net is compiled
// THEN every output channel consumes exactly one input channel and each
// channel loads its own kernel (no weight broadcast across channels).
func TestConv2D_StridedDepthwise(t *testing.T) {
	n := NewNet("depthwise", DefaultArch())

	in := NewInput("input", 0, 56, 56, 16)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 16
	conv.KernelLength = 3
	conv.Stride = 2
	conv.Groups = 16
	conv.PaddingMode = PadValid
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, 16*3*3))

	compileNet(t, n)

	for oc := 0; oc < 16; oc++ {
		assert.Equal(t, 1, conv.NumUsedInputChannels(0, 0, oc, 0))
		assert.Equal(t, oc, conv.FirstInputChannel(0, 0, oc, 0))
		assert.Equal(t, oc, conv.LastInputChannel(0, 0, oc, 0))
	}

	// Kernel loads are per channel: distinct kernel addresses for every
	// output channel appear in the stream.
	kernelAddrs := map[uint64]bool{}
	for _, c := range conv.Base().Commands {
		if c.Type == bif.CmdDMA && c.DMA.IsKernelOffset {
			kernelAddrs[c.DMA.MMAddr] = true
		}
	}
	assert.Equal(t, 16, len(kernelAddrs), "each channel loads its own kernel")
}

// GIVEN a conv whose geometry cannot satisfy the hardware limits
// WHEN segmentation runs
// THEN a capacity overflow is reported, naming the layer.
func TestConv2D_CapacityOverflow(t *testing.T) {
	arch := DefaultArch()
	arch.RFSize = 4 // no tile fits

	n := NewNet("toosmall", arch)
	in := NewInput("input", 0, 16, 16, 1)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 1
	conv.KernelLength = 3
	conv.PaddingMode = PadValid
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)

	require.NoError(t, n.ProcessParams())
	err := n.DesignMMLayout()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Contains(t, err.Error(), "'conv'")
}
