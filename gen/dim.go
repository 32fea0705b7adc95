package gen

import (
	"fmt"
	"strings"
)

// MMLayout is the implementation-view main-memory image of a tensor.
// Algorithm-view geometry may not divide into segments without remainder,
// so the layout is extended to an integer multiple of the segment size
// (garbage right of and below the image). LM layout of border segments is
// kept identical to all other segments to allow instruction broadcasting.
type MMLayout struct {
	X           int      // width in elements (including garbage right of image) = y-stride
	Y           int      // height in elements (including garbage below image)
	Base        uint32   // byte address of reserved memory, set by the memory planner
	Size        uint32   // bytes reserved; not necessarily payload size
	ChannelBase []uint32 // byte address per channel
	ChSize      uint32   // bytes per channel including right/bottom garbage
	LayoutKnown bool
}

// Dim is a tensor shape: algorithm-view width/height/channels plus the
// implementation-view memory image.
type Dim struct {
	X  int
	Y  int
	Ch int

	MM MMLayout

	// Divide integer data by this to obtain the floating-point values it
	// represents.
	FixedpointScaling float64
}

// AlgoEqual compares the algorithm-view geometry only.
func (d *Dim) AlgoEqual(ref *Dim) bool {
	return d.X == ref.X && d.Y == ref.Y && d.Ch == ref.Ch
}

// AlgoStr renders "whc 17x9x3".
func (d *Dim) AlgoStr() string {
	return fmt.Sprintf("whc %dx%dx%d", d.X, d.Y, d.Ch)
}

// MMStr renders the implementation-view geometry.
func (d *Dim) MMStr() string {
	return fmt.Sprintf("whc %dx%dx%d", d.MM.X, d.MM.Y, d.Ch)
}

// AlgoMMStr renders both views, flagging irregular channel spacing that
// would break flat file I/O.
func (d *Dim) AlgoMMStr() string {
	irregular := ""
	for i := 1; i < d.Ch; i++ {
		if d.MM.ChannelBase[i]-d.MM.ChannelBase[i-1] != d.MM.ChSize {
			irregular = " !! IRREGULAR MEM LAYOUT, file I/O will fail !!"
			break
		}
	}
	return fmt.Sprintf("%s, mem %dx%dx%d @ 0x%08x%s", d.AlgoStr(), d.MM.X, d.MM.Y, d.Ch, d.MM.ChannelBase[0], irregular)
}

// DetailStr renders the full allocation for layers.txt.
func (d *Dim) DetailStr() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, allocated %d byte @ 0x%08x .. 0x%08x, fp-scaling %.16f",
		d.AlgoMMStr(), d.MM.Size, d.MM.Base, d.MM.Base+d.MM.Size-1, d.FixedpointScaling)
	return sb.String()
}
