package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

// GIVEN a global average pooling over 7x7x128
// WHEN the net is compiled
// THEN the segmentation factorises the tile into the 3D addressing
// limits, the 48-bit scratch area is reserved behind the payload, and
// exactly one divide record is emitted per channel.
func TestGlobalAvgPool2D_SevenBySeven(t *testing.T) {
	arch := DefaultArch()
	n := NewNet("gap", arch)

	in := NewInput("input", 0, 7, 7, 128)
	gap := NewGlobalAvgPool2D("gap", 1)
	gap.OutIsResult = true
	n.AddLayer(in, gap)
	gap.AddSrcLayers(in)

	compileNet(t, n)

	// Segment covers the whole channel and factorises within the field
	// widths.
	x, y, z, ok := gap.factorize(gap.Seg.In.W * gap.Seg.In.H)
	require.True(t, ok)
	assert.LessOrEqual(t, x, arch.MaxXEnd()+1)
	assert.LessOrEqual(t, y, arch.MaxYEnd()+1)
	assert.LessOrEqual(t, z, arch.MaxZEnd()+1)
	assert.Equal(t, 49, gap.Seg.In.W*gap.Seg.In.H)

	// Payload plus the per-channel 48-bit intermediate scratch.
	scratch := uint32(3 * 2 * arch.Clusters * arch.Units * 128)
	payload := uint32(128) * gap.OutDim.MM.ChSize
	assert.Equal(t, payload+scratch, gap.OutDim.MM.Size)
	assert.Len(t, gap.OutDim.MM.ChannelBase, 2*128)

	// Exactly one divide per channel; stores match.
	divides := countCommands(gap, func(i int) bool {
		c := gap.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpGlobalAvgPool2DDivide
	})
	assert.Equal(t, 128, divides)

	stores := countCommands(gap, func(i int) bool {
		c := gap.Base().Commands[i]
		return c.Type == bif.CmdDMA && c.DMA.Direction.IsL2E()
	})
	assert.Equal(t, 128, stores)
}

// GIVEN a global max pooling
// WHEN the net is compiled
// THEN the reduction uses the max op chain and no divide appears.
func TestGlobalMaxPool2D_NoDivide(t *testing.T) {
	n := NewNet("gmp", DefaultArch())

	in := NewInput("input", 0, 8, 8, 4)
	gmp := NewGlobalMaxPool2D("gmp", 1)
	gmp.OutIsResult = true
	n.AddLayer(in, gmp)
	gmp.AddSrcLayers(in)

	compileNet(t, n)

	divides := countCommands(gmp, func(i int) bool {
		c := gmp.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpGlobalAvgPool2DDivide
	})
	assert.Equal(t, 0, divides)

	maxStores := countCommands(gmp, func(i int) bool {
		c := gmp.Base().Commands[i]
		return c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpGlobalMaxPool2DStore
	})
	assert.Equal(t, 4, maxStores)
}
