package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

func dmaCmd(dir bif.DMADirection, cluster int, unitMask uint32, mm uint64, lm uint32, x, y uint32) bif.CommandSegment {
	cs := bif.CommandSegment{Type: bif.CmdDMA}
	cs.DMA.Direction = dir
	cs.DMA.Cluster = uint32(cluster)
	cs.DMA.UnitMask = unitMask
	cs.DMA.MMAddr = mm
	cs.DMA.LMAddr = lm
	cs.DMA.XSize = x
	cs.DMA.YSize = y
	return cs
}

// GIVEN two transfers identical except for their unit mask
// WHEN the merger runs
// THEN one broadcast remains whose mask is the OR of the originals.
func TestDMAMerger_UnitBroadcastIsMonotone(t *testing.T) {
	cmds := []bif.CommandSegment{
		dmaCmd(bif.DirE2L1D, 0, 0b01, 0x1000, 0x40, 8, 1),
		dmaCmd(bif.DirE2L1D, 0, 0b10, 0x1000, 0x40, 8, 1),
		dmaWaitCmd(),
	}

	out := dmaMerger(cmds)

	require.Len(t, out, 2)
	assert.Equal(t, bif.CmdDMA, out[0].Type)
	assert.Equal(t, uint32(0b11), out[0].DMA.UnitMask)
	assert.Equal(t, bif.CmdDMAWait, out[1].Type)
}

// GIVEN transfers with different pad flags
// WHEN the merger runs
// THEN they are never fused.
func TestDMAMerger_DifferentPadsNeverMerge(t *testing.T) {
	a := dmaCmd(bif.DirE2L2D, 0, 0b01, 0x1000, 0x40, 8, 8)
	a.DMA.Padding = bif.PadFlags(true, false, false, false)
	b := dmaCmd(bif.DirE2L2D, 0, 0b10, 0x1000, 0x40, 8, 8)

	out := dmaMerger([]bif.CommandSegment{a, b})
	assert.Len(t, out, 2)
}

// GIVEN a run of identical transfers with linearly increasing addresses
// WHEN the loop extension runs
// THEN a loop header plus one record replace the run.
func TestDMALoopExtension_FoldsProgression(t *testing.T) {
	cmds := []bif.CommandSegment{
		dmaCmd(bif.DirE2L1D, 0, 1, 0x1000, 0x40, 8, 1),
		dmaCmd(bif.DirE2L1D, 0, 1, 0x1010, 0x40, 8, 1),
		dmaCmd(bif.DirE2L1D, 0, 1, 0x1020, 0x40, 8, 1),
		dmaCmd(bif.DirE2L1D, 0, 1, 0x1030, 0x40, 8, 1),
	}

	out := dmaLoopExtension(cmds, 2)

	require.Len(t, out, 2)
	assert.Equal(t, bif.CmdDMALoop, out[0].Type)
	assert.Equal(t, uint32(4), out[0].Loop.Count)
	assert.Equal(t, int64(0x10), out[0].Loop.MMStride)
	assert.Equal(t, uint64(0x1000), out[1].DMA.MMAddr)
}

// GIVEN a mixed stream of loads, stores and syncs
// WHEN the block extension runs
// THEN every block header announces a run of one direction class only.
func TestDMABlockExtension_BlocksAreDirectionPure(t *testing.T) {
	cmds := []bif.CommandSegment{
		dmaCmd(bif.DirE2L1D, 0, 1, 0x1000, 0x40, 8, 1),
		dmaCmd(bif.DirE2L2D, 0, 1, 0x2000, 0x80, 4, 4),
		dmaWaitCmd(),
		dmaCmd(bif.DirL2E2D, 0, 1, 0x3000, 0xc0, 4, 4),
		dmaWaitCmd(),
	}

	out := dmaBlockExtension(cmds)

	i := 0
	for i < len(out) {
		if out[i].Type != bif.CmdDMABlock {
			i++
			continue
		}
		count := int(out[i].Block.Count)
		require.LessOrEqual(t, i+count, len(out)-0)
		l2e := out[i+1].DMA.Direction.IsL2E()
		for j := i + 1; j <= i+count; j++ {
			require.Equal(t, bif.CmdDMA, out[j].Type)
			assert.Equal(t, l2e, out[j].DMA.Direction.IsL2E(), "block mixes directions")
		}
		i += count + 1
	}
}

// GIVEN an already-compressed stream
// WHEN the passes run again
// THEN the stream is a fixed point (it does not grow or change).
func TestCompress_Idempotent(t *testing.T) {
	n := NewNet("idem", DefaultArch())
	in := NewInput("input", 0, 8, 8, 3)
	conv := NewConv2D("conv", 1)
	conv.OutDim.Ch = 4
	conv.KernelLength = 3
	conv.PaddingMode = PadSame
	conv.OutIsResult = true
	n.AddLayer(in, conv)
	conv.AddSrcLayers(in)
	conv.SetWeights(make([]int16, conv.ExpectedWeightCount()))

	compileNet(t, n)

	once := append([]bif.CommandSegment(nil), conv.Base().Commands...)
	cnt := conv.Base().CmdCnt

	conv.CompressCommands()

	require.Equal(t, len(once), len(conv.Base().Commands), "second compression changed the stream length")
	assert.Equal(t, once, conv.Base().Commands)
	assert.Equal(t, cnt, conv.Base().CmdCnt)
}

// GIVEN a trailing store marked with overcalc words
// WHEN the store splitter runs
// THEN the garbage never reaches main memory.
func TestDMAStoreSplitter_StripsOvercalc(t *testing.T) {
	s := dmaCmd(bif.DirL2E1D, 0, 1, 0x5000, 0x80, 100, 1)
	s.DMA.SkippedElementsAtEnd = 4

	out := dmaStoreSplitter([]bif.CommandSegment{s})

	require.Len(t, out, 1)
	assert.Equal(t, uint32(96), out[0].DMA.XSize)
	assert.Equal(t, uint8(0), out[0].DMA.SkippedElementsAtEnd)
}
