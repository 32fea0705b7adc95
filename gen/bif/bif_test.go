package bif

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GIVEN a DMA command segment
// WHEN it is encoded
// THEN the record has the fixed wire size and the leading type word.
func TestEncodeCommand_DMALayout(t *testing.T) {
	cs := CommandSegment{Type: CmdDMA}
	cs.DMA.Direction = DirE2L2D
	cs.DMA.Cluster = 1
	cs.DMA.UnitMask = 0b11
	cs.DMA.MMAddr = 0x81000000
	cs.DMA.LMAddr = 0x40
	cs.DMA.XSize = 10
	cs.DMA.YSize = 10
	cs.DMA.YLeap = 1
	cs.DMA.Padding = PadFlags(true, true, true, true)

	buf := EncodeCommand(&cs)

	le := binary.LittleEndian
	assert.Equal(t, uint32(CmdDMA), le.Uint32(buf[0:]))
	assert.Equal(t, uint32(DirE2L2D), le.Uint32(buf[4:]))
	assert.Equal(t, uint32(1), le.Uint32(buf[8:]))
	assert.Equal(t, uint32(0b11), le.Uint32(buf[12:]))
	assert.Equal(t, uint64(0x81000000), le.Uint64(buf[16:]))
	assert.Equal(t, uint32(0x40), le.Uint32(buf[24:]))
	assert.Equal(t, uint32(0b1111), le.Uint32(buf[40:]))
}

// GIVEN a NET header
// WHEN it is encoded and decoded
// THEN all fields survive the round trip.
func TestNetHeader_RoundTrip(t *testing.T) {
	in := NetHeader{
		Magicword:         NetMagicword,
		Blobsize:          4096,
		LayerCount:        3,
		LayerExeclistCnt:  3,
		LayerExeclistOffs: 4084,
	}

	buf := EncodeNetHeader(&in)
	out, err := DecodeNetHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeNetHeader_TooShort(t *testing.T) {
	_, err := DecodeNetHeader(make([]byte, 8))
	assert.Error(t, err)
}

// GIVEN the layer header encoder
// WHEN an arbitrary header is encoded
// THEN the layout matches the declared fixed size (the encoder panics on
// drift, so a successful call is the assertion).
func TestEncodeLayerHeader_SizeStable(t *testing.T) {
	h := LayerHeader{
		Type:        LTConv2,
		Number:      7,
		InChannels:  3,
		OutChannels: 4,
	}
	buf := EncodeLayerHeader(&h)
	assert.Equal(t, LayerHeaderSize, len(buf))
}

func TestPadFlags_BitOrder(t *testing.T) {
	assert.Equal(t, uint32(0b0001), PadFlags(true, false, false, false))
	assert.Equal(t, uint32(0b0010), PadFlags(false, true, false, false))
	assert.Equal(t, uint32(0b0100), PadFlags(false, false, true, false))
	assert.Equal(t, uint32(0b1000), PadFlags(false, false, false, true))
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint32(0), Align(0, 32))
	assert.Equal(t, uint32(32), Align(1, 32))
	assert.Equal(t, uint32(32), Align(32, 32))
	assert.Equal(t, uint32(64), Align(33, 32))
}
