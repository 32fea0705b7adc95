package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

// checkCounterConsistency re-derives the per-kind counters from the
// stream.
func checkCounterConsistency(t *testing.T, l Layer) {
	t.Helper()
	recount := CmdCount{}
	for _, c := range l.Base().Commands {
		switch c.Type {
		case bif.CmdVPROWait, bif.CmdDMAWait, bif.CmdBothSync:
			recount.Sync++
		case bif.CmdVPRO:
			recount.VPRO++
		case bif.CmdDMA, bif.CmdDMASetPadding:
			recount.DMA++
		}
	}
	assert.Equal(t, recount, l.Base().CmdCnt, "counters of %s drifted from the stream", l.FullName())
}

// GIVEN a standalone 2x2 max pooling
// WHEN the net is compiled
// THEN the pooling rides the convolution machinery with per-channel
// groups and emits max records instead of accumulations.
func TestMaxPool2D_RunsOnConvMachinery(t *testing.T) {
	n := NewNet("maxpool", DefaultArch())
	in := NewInput("input", 0, 8, 8, 4)
	pool := NewMaxPool2D("pool", 1)
	pool.OutDim.Ch = 4
	pool.PoolSize = []int{2, 2}
	pool.PoolPaddingMode = PadValid
	pool.OutIsResult = true
	n.AddLayer(in, pool)
	pool.AddSrcLayers(in)

	compileNet(t, n)

	assert.Equal(t, 4, pool.OutDim.X)
	assert.Equal(t, 4, pool.OutDim.Y)
	assert.Equal(t, 4, pool.Groups)
	assert.Equal(t, int32(-32768), pool.Padding.DMA.Value)

	maxRecords := countCommands(pool, func(i int) bool {
		c := pool.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpMaxPool
	})
	assert.Greater(t, maxRecords, 0)
	convRecords := countCommands(pool, func(i int) bool {
		c := pool.Base().Commands[i]
		return c.Type == bif.CmdVPRO && (c.VPRO.Command == bif.VOpConvStart || c.VPRO.Command == bif.VOpConvAdd)
	})
	assert.Equal(t, 0, convRecords)
	checkCounterConsistency(t, pool)
}

// GIVEN a 2x2 average pooling with generated divisor map
// WHEN the net is compiled
// THEN one fused load-pool-store record per set drives the reduction.
func TestAvgPool2D_DivisorMapAndRecords(t *testing.T) {
	n := NewNet("avgpool", DefaultArch())
	in := NewInput("input", 0, 8, 8, 4)
	pool := NewAvgPool2D("pool", 1)
	pool.PoolSize = []int{2}
	pool.OutIsResult = true
	n.AddLayer(in, pool)
	pool.AddSrcLayers(in)

	require.NoError(t, n.ProcessParams())
	pool.GenerateWeights()
	require.NoError(t, n.DesignMMLayout())
	n.GenerateLayerExecList()
	require.NoError(t, n.GenerateVproBlob())
	require.NoError(t, n.GenerateEisvBlob())

	// Divisor map: one Q15 reciprocal per output pixel; interior pixels
	// divide by the full window.
	require.Len(t, pool.WeightsPacked, 16)
	assert.Equal(t, int16((1<<15)/4), pool.WeightsPacked[0])

	avgRecords := countCommands(pool, func(i int) bool {
		c := pool.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpAvgPool
	})
	assert.Greater(t, avgRecords, 0)
	checkCounterConsistency(t, pool)
}

// GIVEN a depth-to-space rearrangement of 4x4x8 with block size 2
// WHEN the net is compiled
// THEN the output is 8x8x2 and loads and stores pair up exactly.
func TestDepthToSpace_Geometry(t *testing.T) {
	n := NewNet("d2s", DefaultArch())
	in := NewInput("input", 0, 4, 4, 8)
	d2s := NewDepthToSpace("d2s", 1)
	d2s.OutIsResult = true
	n.AddLayer(in, d2s)
	d2s.AddSrcLayers(in)

	compileNet(t, n)

	assert.Equal(t, 8, d2s.OutDim.X)
	assert.Equal(t, 8, d2s.OutDim.Y)
	assert.Equal(t, 2, d2s.OutDim.Ch)

	loads, stores := 0, 0
	for _, c := range d2s.Base().Commands {
		if c.Type == bif.CmdDMA {
			if c.DMA.Direction.IsL2E() {
				stores++
			} else {
				loads++
			}
		}
	}
	assert.Equal(t, loads, stores)
	assert.Greater(t, loads, 0)
	checkCounterConsistency(t, d2s)
}

// GIVEN a transposed convolution (stride 2, kernel 2)
// WHEN the net is compiled
// THEN the output doubles, segment sizes are stride multiples and the
// transposed op codes are used.
func TestConv2DTranspose_UpsamplesAndAligns(t *testing.T) {
	n := NewNet("deconv", DefaultArch())
	in := NewInput("input", 0, 4, 4, 2)
	up := NewConv2DTranspose("up", 1)
	up.OutDim.Ch = 2
	up.KernelLength = 2
	up.Stride = 2
	up.PaddingMode = PadSame
	up.UseBias = true
	up.OutIsResult = true
	n.AddLayer(in, up)
	up.AddSrcLayers(in)
	up.SetWeights(make([]int16, up.ExpectedWeightCount()))

	compileNet(t, n)

	assert.Equal(t, 8, up.OutDim.X)
	assert.Equal(t, 8, up.OutDim.Y)
	assert.Equal(t, 0, up.Seg.Out.W%up.Stride)
	assert.Equal(t, 0, up.Seg.Out.H%up.Stride)

	transposed := countCommands(up, func(i int) bool {
		c := up.Base().Commands[i]
		return c.Type == bif.CmdVPRO &&
			(c.VPRO.Command == bif.VOpConvTransposeStart || c.VPRO.Command == bif.VOpConvTransposeAdd)
	})
	assert.Greater(t, transposed, 0)
	checkCounterConsistency(t, up)
}

// GIVEN a flat 1D convolution over (32, 1, 4)
// WHEN the net is compiled
// THEN the kernel block of all input channels loads once per output
// channel and the 1D op codes drive the accumulation.
func TestConv1D_FlatConvolution(t *testing.T) {
	n := NewNet("conv1d", DefaultArch())
	in := NewInput("input", 0, 32, 1, 4)
	conv := NewConv1D("conv", 1)
	conv.OutDim.Ch = 8
	conv.KernelLength = 1
	conv.PaddingMode = PadValid
	conv.UseBias = true
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	compileNet(t, n)

	assert.Equal(t, 32, conv.OutDim.X)
	assert.Equal(t, 1, conv.OutDim.Y)

	oneD := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO &&
			(c.VPRO.Command == bif.VOpConv1DStart || c.VPRO.Command == bif.VOpConv1DAdd)
	})
	assert.Greater(t, oneD, 0)
	checkCounterConsistency(t, conv)
}

// GIVEN a reshape between two compatible views
// WHEN the layout is designed
// THEN the output aliases the input descriptor and consumes no memory.
func TestReshape_AliasesInput(t *testing.T) {
	n := NewNet("reshape", DefaultArch())
	in := NewInput("input", 0, 8, 8, 2)
	rs := NewReshape("rs", 1, 8, 8, 2)
	rs.OutIsResult = true
	n.AddLayer(in, rs)
	rs.AddSrcLayers(in)

	require.NoError(t, n.ProcessParams())
	require.NoError(t, n.DesignMMLayout())

	assert.Equal(t, uint32(0), rs.OutputMMSize())
	assert.Equal(t, in.OutDim.MM.ChannelBase[0], rs.OutDim.MM.ChannelBase[0])
}

// GIVEN a pillar feature encoder over (64, 1, 4) with a grid table
// WHEN the net is compiled
// THEN the 1D convolution machinery drives it and the grid geometry is
// carried along.
func TestPointPillars_RunsOn1DMachinery(t *testing.T) {
	n := NewNet("pillars", DefaultArch())
	features := NewInput("features", 0, 64, 1, 4)
	grid := NewInput("grid", 1, 64, 1, 1)
	pp := NewPointPillars("pillars", 2)
	pp.OutDim.Ch = 8
	pp.KernelLength = 1
	pp.PaddingMode = PadValid
	pp.UseBias = true
	pp.XMin, pp.XMax = 0, 32
	pp.YMin, pp.YMax = 0, 32
	pp.Res = 0.5
	pp.OutIsResult = true
	n.AddLayer(features, grid, pp)
	pp.AddSrcLayers(features, grid)
	pp.SetWeights(make([]int16, pp.ExpectedWeightCount()))

	compileNet(t, n)

	assert.Equal(t, 64, pp.OutDim.X)
	assert.Equal(t, 1, pp.OutDim.Y)
	assert.Equal(t, 8, pp.OutDim.Ch)

	oneD := countCommands(pp, func(i int) bool {
		c := pp.Base().Commands[i]
		return c.Type == bif.CmdVPRO &&
			(c.VPRO.Command == bif.VOpConv1DStart || c.VPRO.Command == bif.VOpConv1DAdd)
	})
	assert.Greater(t, oneD, 0)

	// The second source threads the shared grid table through every
	// segment.
	for _, s := range pp.Base().Segments {
		if !s.Dummy {
			assert.Len(t, s.InMMBase, 2)
		}
	}
	checkCounterConsistency(t, pp)
}

// GIVEN a deformable sampling stage over 8x8x2 features with offsets
// WHEN the net is compiled
// THEN each output pixel expands to the kernel taps, every lane loads its
// own channel slice, and gather records drive the sampling.
func TestDConvDeform_GatherRecords(t *testing.T) {
	n := NewNet("deform", DefaultArch())
	features := NewInput("features", 0, 8, 8, 2)
	offsets := NewInput("offsets", 1, 16, 8, 1)
	deform := NewDConvDeform("deform", 2)
	deform.OutIsResult = true
	n.AddLayer(features, offsets, deform)
	deform.AddSrcLayers(features, offsets)

	compileNet(t, n)

	assert.Equal(t, 8*9, deform.OutDim.X)
	assert.Equal(t, 8, deform.OutDim.Y)
	assert.Equal(t, 2, deform.OutDim.Ch)

	gathers := countCommands(deform, func(i int) bool {
		c := deform.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpDConvDeform
	})
	assert.Greater(t, gathers, 0)

	// Feature loads land in lane-separated LM slices; offsets behind
	// them, once per unit.
	loads := countCommands(deform, func(i int) bool {
		c := deform.Base().Commands[i]
		return c.Type == bif.CmdDMA && !c.DMA.Direction.IsL2E()
	})
	assert.Greater(t, loads, 0)
	checkCounterConsistency(t, deform)
}

// GIVEN a flat deformable convolution (1x4 kernel, each input used once)
// WHEN the net is compiled
// THEN the width shrinks by the kernel factor and the flat-conv op code
// replaces the accumulation records.
func TestDConvConv_FlatKernel(t *testing.T) {
	n := NewNet("dconv", DefaultArch())
	in := NewInput("input", 0, 32, 4, 2)
	conv := NewDConvConv("conv", 1)
	conv.OutDim.Ch = 4
	conv.KernelLength = 4
	conv.UseBias = true
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	compileNet(t, n)

	assert.Equal(t, 8, conv.OutDim.X)
	assert.Equal(t, 4, conv.OutDim.Y)

	flat := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpDConvConv
	})
	assert.Greater(t, flat, 0)
	plain := countCommands(conv, func(i int) bool {
		c := conv.Base().Commands[i]
		return c.Type == bif.CmdVPRO &&
			(c.VPRO.Command == bif.VOpConvStart || c.VPRO.Command == bif.VOpConvAdd)
	})
	assert.Equal(t, 0, plain)
	checkCounterConsistency(t, conv)
}

// GIVEN a scatter of point features into a 10x10 grid
// WHEN the net is compiled
// THEN one scatter record per output channel is emitted.
func TestScatterToGrid_OneRecordPerChannel(t *testing.T) {
	n := NewNet("scatter", DefaultArch())
	coords := NewInput("coords", 0, 100, 1, 2)
	features := NewInput("features", 1, 100, 1, 8)
	sc := NewScatterToGrid("scatter", 2)
	sc.XMin, sc.XMax = 0, 10
	sc.YMin, sc.YMax = 0, 10
	sc.Res = 1
	sc.OutDim.Ch = 8
	sc.OutIsResult = true
	n.AddLayer(coords, features, sc)
	sc.AddSrcLayers(coords, features)

	compileNet(t, n)

	assert.Equal(t, 10, sc.OutDim.X)
	assert.Equal(t, 10, sc.OutDim.Y)
	assert.Equal(t, 8, sc.OutDim.Ch)

	records := countCommands(sc, func(i int) bool {
		return sc.Base().Commands[i].Type == bif.CmdScatter
	})
	assert.Equal(t, 8, records)
}
