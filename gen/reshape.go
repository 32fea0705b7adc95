package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Reshape reinterprets the element order without moving data: the output
// aliases the input memory descriptor verbatim. A dimensional change that
// would require a real rearrangement is rejected.
type Reshape struct {
	LayerBase

	// Target algorithm-view shape.
	TargetX  int
	TargetY  int
	TargetCh int
}

func NewReshape(name string, number int, x, y, ch int) *Reshape {
	l := &Reshape{}
	l.initBase(l)
	l.Name = name
	l.Number = number
	l.TargetX = x
	l.TargetY = y
	l.TargetCh = ch
	l.ProducesBinaryData = false
	return l
}

func (r *Reshape) TypeName() string { return "Reshape" }

func (r *Reshape) LayerType() bif.LayerType { return bif.LTUnknown }

func (r *Reshape) ProcessParams() error {
	if len(r.SrcLayers) != 1 {
		return layerError(r, ErrShape, "must have exactly one input")
	}
	if r.InDim(0).X*r.InDim(0).Y*r.InDim(0).Ch != r.TargetX*r.TargetY*r.TargetCh {
		return layerError(r, ErrShape, "number of elements must not change: %d vs %d",
			r.InDim(0).X*r.InDim(0).Y*r.InDim(0).Ch, r.TargetX*r.TargetY*r.TargetCh)
	}
	r.OutDim.X = r.TargetX
	r.OutDim.Y = r.TargetY
	r.OutDim.Ch = r.TargetCh
	if r.Groups == groupsUnset {
		r.Groups = 1
	}
	if r.LMLaneStride == strideUnset {
		r.LMLaneStride = r.arch.RFSize
	}
	return nil
}

func (r *Reshape) ComputeOutputDim() error { return nil }

func (r *Reshape) OutputMMSize() uint32 {
	// Alias of the input data, no additional memory required.
	return 0
}

func (r *Reshape) SetOutputMMAddr(addr uint32) error {
	if r.OutDim.X != r.InDim(0).X || r.OutDim.Y != r.InDim(0).Y || r.OutDim.Ch != r.InDim(0).Ch {
		return layerError(r, ErrShape, "reshape changing the memory arrangement is not supported")
	}
	src := r.InDim(0).MM
	r.OutDim.MM = src
	r.OutDim.MM.ChannelBase = append([]uint32(nil), src.ChannelBase...)
	r.OutDim.MM.LayoutKnown = true
	return nil
}

func (r *Reshape) GenerateSegments() error { return nil }

func (r *Reshape) GenerateCommands() error {
	r.CmdCnt = CmdCount{}
	r.Commands = r.Commands[:0]
	return nil
}

// SliceChannel exposes the channel range [start, stop) of its input by
// rebasing the output to the first sliced channel. No data moves.
type SliceChannel struct {
	LayerBase

	Start int
	Stop  int // index of last channel + 1; -1 means all remaining
}

func NewSliceChannel(name string, number int, start, stop int) *SliceChannel {
	l := &SliceChannel{}
	l.initBase(l)
	l.Name = name
	l.Number = number
	l.Start = start
	l.Stop = stop
	l.ProducesBinaryData = false
	return l
}

func (s *SliceChannel) TypeName() string { return "SliceChannel" }

func (s *SliceChannel) LayerType() bif.LayerType { return bif.LTUnknown }

func (s *SliceChannel) ProcessParams() error {
	if err := s.LayerBase.ProcessParams(); err != nil {
		return err
	}
	s.Groups = s.OutDim.Ch // each output channel uses one input channel
	return nil
}

func (s *SliceChannel) ComputeOutputDim() error {
	if len(s.SrcLayers) == 0 {
		return layerError(s, ErrShape, "cannot compute output dim without src layers")
	}
	s.OutDim.X = s.InDim(0).X
	s.OutDim.Y = s.InDim(0).Y
	if s.Stop == -1 {
		s.Stop = s.InDim(0).Ch
	}
	if s.Start < 0 || s.Stop > s.InDim(0).Ch || s.Start >= s.Stop {
		return layerError(s, ErrShape, "channel range [%d, %d) invalid for %d channels", s.Start, s.Stop, s.InDim(0).Ch)
	}
	s.OutDim.Ch = s.Stop - s.Start
	return nil
}

func (s *SliceChannel) OutputMMSize() uint32 { return 0 }

func (s *SliceChannel) SetOutputMMAddr(addr uint32) error {
	// Output points to input + offset; ignore the planner's address.
	return s.LayerBase.SetOutputMMAddr(s.InDim(0).MM.ChannelBase[s.Start])
}

func (s *SliceChannel) SetOutputMemDimensions() {
	// Memory layout identical to the input, shifted and with fewer
	// channels.
	s.OutDim.MM.X = s.InDim(0).MM.X
	s.OutDim.MM.Y = s.InDim(0).MM.Y
}

func (s *SliceChannel) GenerateSegments() error { return nil }

func (s *SliceChannel) GenerateCommands() error {
	s.CmdCnt = CmdCount{}
	s.Commands = s.Commands[:0]
	return nil
}
