package gen

import (
	"fmt"
	"strings"
)

// Segment describes one tile of work on one lane: the padded input tile
// addresses per source, the output tile address, and the accumulation
// flags driving command emission.
type Segment struct {
	InMMBase    []uint32 // byte address of top-left pixel of padded segment, per source
	InMMYStride []int32  // MM distance of two vertically adjacent pixels (in elements), per source

	OutMMBase    uint32
	OutMMYStride int32

	XSeg       int
	YSeg       int
	InChannel  int // selects the kernel slice to accumulate
	OutChannel int

	Dummy   bool // lane filler: never written back into LM/MM
	IsLast  bool // final accumulation step: results are activated/pooled/stored
	IsFirst bool // first accumulation step: bias is loaded, accumulator initialised

	PadTop    bool
	PadRight  bool
	PadBottom bool
	PadLeft   bool
}

// NewDummySegment creates a lane filler from a template so address fields
// stay comparable inside a set.
func NewDummySegment(templ *Segment) *Segment {
	var s Segment
	if templ != nil {
		s = *templ
		s.InMMBase = append([]uint32(nil), templ.InMMBase...)
		s.InMMYStride = append([]int32(nil), templ.InMMYStride...)
	}
	s.Dummy = true
	s.PadTop = false
	s.PadRight = false
	s.PadBottom = false
	s.PadLeft = false
	return &s
}

// Equals compares all fields.
func (s *Segment) Equals(ref *Segment) bool {
	if len(s.InMMBase) != len(ref.InMMBase) || len(s.InMMYStride) != len(ref.InMMYStride) {
		return false
	}
	for i := range s.InMMBase {
		if s.InMMBase[i] != ref.InMMBase[i] {
			return false
		}
	}
	for i := range s.InMMYStride {
		if s.InMMYStride[i] != ref.InMMYStride[i] {
			return false
		}
	}
	return s.OutMMBase == ref.OutMMBase &&
		s.OutMMYStride == ref.OutMMYStride &&
		s.XSeg == ref.XSeg &&
		s.YSeg == ref.YSeg &&
		s.InChannel == ref.InChannel &&
		s.OutChannel == ref.OutChannel &&
		s.Dummy == ref.Dummy &&
		s.IsLast == ref.IsLast &&
		s.IsFirst == ref.IsFirst &&
		s.PadTop == ref.PadTop &&
		s.PadRight == ref.PadRight &&
		s.PadBottom == ref.PadBottom &&
		s.PadLeft == ref.PadLeft
}

// ShortString renders the single-line form used by segments.txt.
func (s *Segment) ShortString() string {
	if s.Dummy {
		return "D"
	}
	var sb strings.Builder
	f := " "
	if s.IsFirst {
		f = "F"
	}
	l := " "
	if s.IsLast {
		l = "L"
	}
	fmt.Fprintf(&sb, " %s%s xy(%3d, %3d), in ch %2d", f, l, s.XSeg, s.YSeg, s.InChannel)
	for i := range s.InMMBase {
		fmt.Fprintf(&sb, ", 0x%08x s %4d", s.InMMBase[i], s.InMMYStride[i])
	}
	fmt.Fprintf(&sb, ", out ch %2d @ 0x%08x s %4d", s.OutChannel, s.OutMMBase, s.OutMMYStride)
	fmt.Fprintf(&sb, ", pad trbl %s%s%s%s", b01(s.PadTop), b01(s.PadRight), b01(s.PadBottom), b01(s.PadLeft))
	return sb.String()
}

func b01(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
