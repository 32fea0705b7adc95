package bif

import (
	"fmt"
	"strings"
)

// Text renders a command segment as a single line for commands.txt.
func (cs *CommandSegment) Text() string {
	switch cs.Type {
	case CmdVPRO:
		v := &cs.VPRO
		return fmt.Sprintf("VPRO %-20s lanes 0x%x, buf %4d, xyz_end %3d/%3d/%4d, nops %2d, shift_r %2d, lm 0x%04x",
			v.Command, v.LaneMask, v.Buffer, v.XEnd, v.YEnd, v.ZEnd, v.Nops, v.ShiftRight, v.LMBase)
	case CmdDMA:
		d := &cs.DMA
		kind := ""
		if d.IsKernelOffset {
			kind = " kernel"
		}
		if d.IsBiasOffset {
			kind = " bias"
		}
		return fmt.Sprintf("DMA  %s cluster 0x%x, units 0x%02x, mm 0x%08x, lm 0x%04x, x %4d, y %4d, leap %3d, pad %s%s",
			d.Direction, d.Cluster, d.UnitMask, d.MMAddr, d.LMAddr, d.XSize, d.YSize, d.YLeap, padString(d.Padding), kind)
	case CmdDMABlock:
		return fmt.Sprintf("DMA_BLOCK %d commands", cs.Block.Count)
	case CmdDMALoop:
		return fmt.Sprintf("DMA_LOOP %d iterations, mm stride %d", cs.Loop.Count, cs.Loop.MMStride)
	case CmdDMASetPadding:
		p := cs.SetPad.Pad
		return fmt.Sprintf("DMA_SET_PADDING trbl %d, %d, %d, %d", p.Top, p.Right, p.Bottom, p.Left)
	case CmdScatter:
		s := &cs.Scatter
		return fmt.Sprintf("SCATTER coords 0x%08x, features 0x%08x -> grid 0x%08x, shift %d, memcopy %d",
			s.MMAddrCoords, s.MMAddrFeatures, s.MMAddrGrid, s.IndexShift, s.MemcopySize)
	}
	return cs.Type.String()
}

func padString(p uint32) string {
	flags := []byte("....")
	names := "trbl"
	for i := 0; i < 4; i++ {
		if p&(1<<i) != 0 {
			flags[i] = names[i]
		}
	}
	return string(flags)
}

// Text renders the LAYER header for layers.txt.
func (h *LayerHeader) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  type %d, number %d, channels in %d out %d\n", h.Type, h.Number, h.InChannels, h.OutChannels)
	fmt.Fprintf(&sb, "  seg out %dx%d, in %dx%d\n", h.SegOutW, h.SegOutH, h.SegInW, h.SegInH)
	fmt.Fprintf(&sb, "  kernel %d, stride %d, groups %d, dilation %dx%d\n", h.KernelLength, h.Stride, h.ConvGroups, h.DilationRateW, h.DilationRateH)
	fmt.Fprintf(&sb, "  shifts: result %d, bias %d, store %d; activation %s, pool_stride %d\n",
		h.ConvResultShiftRight, h.BiasShiftRight, h.StoreShiftRight, h.Activation, h.PoolStride)
	fmt.Fprintf(&sb, "  pad trbl %d, %d, %d, %d\n", h.Pad.Top, h.Pad.Right, h.Pad.Bottom, h.Pad.Left)
	fmt.Fprintf(&sb, "  input  @ 0x%08x %dx%dx%d, y_stride %d\n", h.Input.MMBase, h.Input.X, h.Input.Y, h.Input.Channels, h.Input.YStride)
	fmt.Fprintf(&sb, "  output @ 0x%08x %dx%dx%d, y_stride %d\n", h.Output.MMBase, h.Output.X, h.Output.Y, h.Output.Channels, h.Output.YStride)
	fmt.Fprintf(&sb, "  parallel channels per lane: in %d, out %d\n", h.ParallelInchannelsPerLane, h.ParallelOutchannelsPerLane)
	fmt.Fprintf(&sb, "  handshake: last_layer_using_input %v, first_layer_producing_output %v\n", h.LastLayerUsingInput, h.FirstLayerProducingOutput)
	fmt.Fprintf(&sb, "  command segments: %d\n", h.CommandSegmentsCount)
	return sb.String()
}
