package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpro-eis/netgen/gen/bif"
)

// GIVEN an elementwise add of 28x28x64 and 1x1x64
// WHEN parameters are processed
// THEN the smaller tensor is swapped to source 0 (broadcast through local
// memory), the broadcast map flags its x/y axes, and each segment loads
// exactly one word of broadcast data per source-0 transfer.
func TestAdd_BroadcastSourceSwap(t *testing.T) {
	n := NewNet("bcast", DefaultArch())

	big := NewInput("big", 0, 28, 28, 64)
	small := NewInput("small", 1, 1, 1, 64)
	add := NewAdd("add", 2)
	add.OutIsResult = true
	n.AddLayer(big, small, add)
	add.AddSrcLayers(big, small)

	compileNet(t, n)

	// Source 0 is the smaller tensor after the performance swap.
	require.Same(t, Layer(small), add.SrcLayers[0])
	require.Same(t, Layer(big), add.SrcLayers[1])

	assert.Equal(t, 28, add.OutDim.X)
	assert.Equal(t, 64, add.OutDim.Ch)

	// Broadcast map: source 0 broadcasts x and y, source 1 nothing.
	assert.True(t, add.bcX(0))
	assert.True(t, add.bcY(0))
	assert.False(t, add.bcCh(0))

	wantMap := uint16(0b000011)
	found := false
	for _, c := range add.Base().Commands {
		if c.Type == bif.CmdVPRO && c.VPRO.Command == bif.VOpAdd {
			assert.Equal(t, wantMap, c.VPRO.BroadcastMap)
			found = true
		}
	}
	require.True(t, found, "no add record emitted")

	// Source-0 loads shrink to a single element per segment.
	oneWord := 0
	for _, c := range add.Base().Commands {
		if c.Type == bif.CmdDMA && !c.DMA.Direction.IsL2E() && c.DMA.XSize == 1 && c.DMA.YSize == 1 {
			oneWord++
		}
	}
	assert.Greater(t, oneWord, 0, "broadcast input must load a single word per segment")
}

// GIVEN two sources whose shapes cannot be broadcast
// WHEN parameters are processed
// THEN a shape mismatch is reported.
func TestAdd_ShapeMismatch(t *testing.T) {
	n := NewNet("mismatch", DefaultArch())

	a := NewInput("a", 0, 28, 28, 64)
	b := NewInput("b", 1, 14, 14, 64)
	add := NewAdd("add", 2)
	n.AddLayer(a, b, add)
	add.AddSrcLayers(a, b)

	err := n.ProcessParams()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShape)
}

// GIVEN an add of identically shaped tensors
// WHEN segments are generated
// THEN within every set the non-dummy segments agree on their last flag.
func TestAdd_NoMixedStopsWithinSet(t *testing.T) {
	n := NewNet("stops", DefaultArch())

	a := NewInput("a", 0, 16, 16, 8)
	b := NewInput("b", 1, 16, 16, 8)
	add := NewAdd("add", 2)
	add.OutIsResult = true
	n.AddLayer(a, b, add)
	add.AddSrcLayers(a, b)

	compileNet(t, n)

	setLen := n.Arch.ParallelLanes() * add.ParallelOutchannelsPerLane
	segs := add.Base().Segments
	require.Equal(t, 0, len(segs)%setLen)
	for set := 0; set*setLen < len(segs); set++ {
		stops, conts := 0, 0
		for i := set * setLen; i < (set+1)*setLen; i++ {
			if segs[i].Dummy {
				continue
			}
			if segs[i].IsLast {
				stops++
			} else {
				conts++
			}
		}
		assert.False(t, stops > 0 && conts > 0, "set %d mixes stopping and continuing segments", set)
	}
}
