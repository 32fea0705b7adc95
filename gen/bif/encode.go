package bif

import (
	"encoding/binary"
	"fmt"
)

// The runtime and the compiler share endianness and struct packing; the
// encoders below pin the layout to little-endian explicitly so the blob is
// reproducible independent of the build host.

type wireWriter struct {
	b   []byte
	off int
}

func (w *wireWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *wireWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *wireWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
}

func (w *wireWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.b[w.off:], v)
	w.off += 2
}

func (w *wireWriter) i16(v int16) { w.u16(uint16(v)) }

func (w *wireWriter) flag(v bool) {
	if v {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

// EncodeCommand writes the fixed-size wire image of a command segment.
func EncodeCommand(cs *CommandSegment) [CommandSegmentSize]byte {
	var buf [CommandSegmentSize]byte
	w := &wireWriter{b: buf[:]}
	w.u32(uint32(cs.Type))
	switch cs.Type {
	case CmdVPRO:
		v := &cs.VPRO
		w.u32(uint32(v.Command))
		w.u32(v.LaneMask)
		w.u32(v.Buffer)
		w.u16(v.XEnd)
		w.u16(v.YEnd)
		w.u16(v.ZEnd)
		w.u16(v.Nops)
		w.i16(v.ShiftRight)
		w.i16(v.RFFracBits)
		w.u16(v.RFBase)
		w.u16(v.RFChStride)
		w.u32(v.LMBase)
		w.u16(v.LMChStride)
		w.u16(v.LMLaneStride)
		w.u16(v.BroadcastMap)
		w.u16(v.InChOffset)
		w.u32(v.KernelLoadBufferL0)
		w.u32(v.KernelLoadBufferL1)
		w.u32(v.BiasLoadBufferL0)
		w.u32(v.BiasLoadBufferL1)
		w.i16(v.PreShiftRight)
		w.i16(v.Multiplier)
	case CmdDMA:
		d := &cs.DMA
		w.u32(uint32(d.Direction))
		w.u32(d.Cluster)
		w.u32(d.UnitMask)
		w.u64(d.MMAddr)
		w.u32(d.LMAddr)
		w.u32(d.XSize)
		w.u32(d.YSize)
		w.i32(d.YLeap)
		w.u32(d.Padding)
		var flags uint32
		if d.IsKernelOffset {
			flags |= 1 << 0
		}
		if d.IsBiasOffset {
			flags |= 1 << 1
		}
		w.u32(flags)
		w.u32(uint32(d.SkippedElementsAtEnd))
	case CmdDMABlock:
		w.u32(cs.Block.Count)
	case CmdDMALoop:
		w.u32(cs.Loop.Count)
		w.u64(uint64(cs.Loop.MMStride))
	case CmdDMASetPadding:
		p := cs.SetPad.Pad
		w.i32(p.Top)
		w.i32(p.Right)
		w.i32(p.Bottom)
		w.i32(p.Left)
		w.i32(p.Value)
	case CmdScatter:
		s := &cs.Scatter
		w.u64(s.MMAddrCoords)
		w.u64(s.MMAddrFeatures)
		w.u64(s.MMAddrGrid)
		w.i16(s.IndexShift)
		w.i16(s.XMinFixed)
		w.i16(s.YMinFixed)
		w.u16(s.MemcopySize)
		w.u16(s.UseVPRODMA)
	}
	return buf
}

// EncodeLayerHeader writes the fixed-size LAYER front.
func EncodeLayerHeader(h *LayerHeader) [LayerHeaderSize]byte {
	var buf [LayerHeaderSize]byte
	w := &wireWriter{b: buf[:]}
	w.u32(uint32(h.Type))
	w.i32(h.Number)
	w.u32(h.InChannels)
	w.u32(h.OutChannels)
	w.flag(h.DynamicShape)
	w.i32(h.Axis)

	w.i32(h.SegOutW)
	w.i32(h.SegOutH)
	w.i32(h.SegInW)
	w.i32(h.SegInH)

	w.i32(h.Stride)
	w.i32(h.KernelLength)
	w.i32(h.ConvGroups)
	w.i32(h.DilationRateW)
	w.i32(h.DilationRateH)

	w.i32(h.ConvResultShiftRight)
	w.i32(h.BiasShiftRight)
	w.i32(h.StoreShiftRight)
	w.i32(h.Relu6ShiftLeft)
	w.i32(h.Alpha)
	w.i32(h.AlphaMulhShiftRight)
	w.i32(h.Elwise0LeftShift)
	w.i32(h.Elwise1LeftShift)

	w.u32(uint32(h.Activation))
	w.i32(h.PoolStride)

	w.i32(h.PoolSizeW)
	w.i32(h.PoolSizeH)
	w.i32(h.PoolSizeCh)
	w.i32(h.PoolStrideW)
	w.i32(h.PoolStrideH)
	w.i32(h.PoolStrideCh)

	w.i32(h.PoolAvgShiftRight)
	w.i32(h.BlockSize)

	for _, p := range []PadReduced{h.Pad, h.SubpixelPad} {
		w.i32(p.Top)
		w.i32(p.Right)
		w.i32(p.Bottom)
		w.i32(p.Left)
		w.i32(p.Value)
	}
	w.i32(h.InputPixelsW)
	w.i32(h.InputPixelsH)

	for _, m := range []MMData{h.Input, h.Output} {
		w.u32(m.MMBase)
		w.u32(m.X)
		w.u32(m.Y)
		w.u32(m.YStride)
		w.u32(m.Channels)
	}

	w.flag(h.LastLayerUsingInput)
	w.flag(h.FirstLayerProducingOutput)

	w.u32(h.ParallelOutchannelsPerLane)
	w.u32(h.ParallelInchannelsPerLane)

	w.u32(h.CommandSegmentsCount)
	if w.off != LayerHeaderSize {
		panic(fmt.Sprintf("bif: LAYER header layout drifted: wrote %d bytes, expected %d", w.off, LayerHeaderSize))
	}
	return buf
}

// EncodeNetHeader writes the NET front (without the offset table).
func EncodeNetHeader(h *NetHeader) [NetHeaderSize]byte {
	var buf [NetHeaderSize]byte
	w := &wireWriter{b: buf[:]}
	w.u32(h.Magicword)
	w.u32(h.Blobsize)
	w.u32(h.Reserved)
	w.u32(h.LayerCount)
	w.u32(h.LayerExeclistCnt)
	w.u32(h.LayerExeclistOffs)
	return buf
}

// DecodeNetHeader reads back a NET front; used by tests and external
// inspection tools.
func DecodeNetHeader(b []byte) (NetHeader, error) {
	if len(b) < NetHeaderSize {
		return NetHeader{}, fmt.Errorf("bif: blob too short for NET header: %d byte", len(b))
	}
	le := binary.LittleEndian
	return NetHeader{
		Magicword:         le.Uint32(b[0:]),
		Blobsize:          le.Uint32(b[4:]),
		Reserved:          le.Uint32(b[8:]),
		LayerCount:        le.Uint32(b[12:]),
		LayerExeclistCnt:  le.Uint32(b[16:]),
		LayerExeclistOffs: le.Uint32(b[20:]),
	}, nil
}
