package gen

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

func build1x1Net(t *testing.T) (*Net, *Conv2D) {
	t.Helper()
	n := NewNet("pointwise", DefaultArch())
	in := NewInput("input", 0, 16, 16, 8)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 16
	conv.KernelLength = 1
	conv.Stride = 1
	conv.UseBias = true
	conv.PaddingMode = PadSame
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))
	return n, conv
}

// GIVEN a pointwise convolution large enough for channel parallelism
// WHEN the detailed heuristic segments it
// THEN the 1D formulation is chosen: several output channels per lane,
// x2 scheduling, flat blocks, and the garbage columns of the input
// propagate into the output row stride.
func TestConv2D_1x1FastPath(t *testing.T) {
	n, conv := build1x1Net(t)
	compileNet(t, n)

	require.Greater(t, conv.ParallelOutchannelsPerLane, 1, "fast path should pick n > 1")
	assert.Equal(t, IterateSortedX2, conv.Cfg.SchedulingOrder)
	assert.Equal(t, 1, conv.Seg.Num.Y)
	assert.Equal(t, 1, conv.Seg.In.H)
	assert.False(t, conv.Padding.Enabled)

	// Output inherits the input row stride (garbage columns propagate).
	assert.Equal(t, conv.InDim(0).MM.X, conv.OutDim.MM.X)

	// No store leaves overcalc words behind after the splitter ran.
	for _, c := range conv.Base().Commands {
		if c.Type == bif.CmdDMA && c.DMA.Direction.IsL2E() {
			assert.Equal(t, uint8(0), c.DMA.SkippedElementsAtEnd)
		}
	}

	// Per-layer counters are consistent with the stream.
	b := conv.Base()
	recount := CmdCount{}
	for _, c := range b.Commands {
		switch c.Type {
		case bif.CmdVPROWait, bif.CmdDMAWait, bif.CmdBothSync:
			recount.Sync++
		case bif.CmdVPRO:
			recount.VPRO++
		case bif.CmdDMA, bif.CmdDMASetPadding:
			recount.DMA++
		}
	}
	assert.Equal(t, recount, b.CmdCnt)
}

// GIVEN a cache directory
// WHEN the same layer shape is segmented twice
// THEN the second run loads the cached result and both agree.
func TestConv1x1Cache_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	SetConv1x1CacheDir(dir)
	defer SetConv1x1CacheDir("")

	n1, conv1 := build1x1Net(t)
	compileNet(t, n1)

	n2, conv2 := build1x1Net(t)
	compileNet(t, n2)

	assert.Equal(t, conv1.Seg, conv2.Seg)
	assert.Equal(t, conv1.ParallelOutchannelsPerLane, conv2.ParallelOutchannelsPerLane)
	assert.Equal(t, n1.EisvBlob(), n2.EisvBlob())
}

// GIVEN a corrupted cache file
// WHEN segmentation reads it
// THEN the compile aborts with a cache error rather than trusting it.
func TestConv1x1Cache_TruncatedFileIsInvalid(t *testing.T) {
	dir := t.TempDir()
	SetConv1x1CacheDir(dir)
	defer SetConv1x1CacheDir("")

	// Prime and then truncate the cache entry.
	n1, _ := build1x1Net(t)
	compileNet(t, n1)

	arch := DefaultArch()
	fname := conv1x1CacheFilename(dir, arch, 16, 16, 8, 16)
	raw, err := os.ReadFile(fname)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fname, raw[:8], 0o666))

	n2 := NewNet("corrupt", arch)
	in := NewInput("input", 0, 16, 16, 8)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 16
	conv.KernelLength = 1
	conv.UseBias = true
	conv.OutIsResult = true
	n2.AddLayer(in, conv)
	conv.AddSrcLayers(in)

	require.NoError(t, n2.ProcessParams())
	err = n2.DesignMMLayout()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheInvalid)
}
