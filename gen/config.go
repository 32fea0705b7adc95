package gen

// PaddingMode selects the output-size convention of convolutions and
// pooling windows.
type PaddingMode int

const (
	PadSame PaddingMode = iota
	PadValid
)

func (p PaddingMode) String() string {
	switch p {
	case PadSame:
		return "same"
	case PadValid:
		return "valid"
	}
	return "<invalid>"
}

// SchedulingOrder controls the order segment seeds are distributed to the
// lanes.
type SchedulingOrder int

const (
	// IterateSortedOutC walks y, x, then output channels (default).
	IterateSortedOutC SchedulingOrder = iota
	// IterateSortedX advances the image position after every block of
	// parallelLanes*parallel_outchannels_per_lane output channels.
	IterateSortedX
	// IterateSortedX2 advances the image position after every block of
	// LANES*parallel_outchannels_per_lane output channels.
	IterateSortedX2
)

// SegmentationStrategy trades segmentation-search time against the quality
// of the resulting schedule.
type SegmentationStrategy int

const (
	// FastHeuristic uses the 2D candidate enumeration only and skips the
	// brute-force 1x1 search; quick to compute, the emitted program may run
	// slower.
	FastHeuristic SegmentationStrategy = iota
	// DetailedHeuristic additionally runs the brute-force 1x1 search for
	// eligible layers before the 2D enumeration (default).
	DetailedHeuristic
)

// PoolType selects the fused pooling operation.
type PoolType int

const (
	NoPooling PoolType = iota
	MaxPooling
	AvgPooling
)

// CmdCount tallies the emitted commands of a layer per kind.
type CmdCount struct {
	Sync int
	VPRO int
	DMA  int
}

// LayerConfig collects the per-layer command-generation switches.
type LayerConfig struct {
	UseDMAMerger         bool
	UseDMAInterleaver    bool // deprecated, use the block extension instead
	UseDMAExtension      bool
	UseDMAStoreSplitter  bool
	UseDMALoopExtension  bool
	UseDMAL2EMixExtension bool

	SchedulingOrder      SchedulingOrder
	SegmentationStrategy SegmentationStrategy

	ForceSegmentDump bool
}

// DefaultLayerConfig returns the switch settings layers start with.
func DefaultLayerConfig() LayerConfig {
	return LayerConfig{
		UseDMAMerger:         true,
		UseDMAExtension:      true,
		UseDMAStoreSplitter:  true,
		UseDMALoopExtension:  true,
		SchedulingOrder:      IterateSortedOutC,
		SegmentationStrategy: DetailedHeuristic,
	}
}

// SegDim describes the chosen segmentation of a layer: the segment grid
// and the per-segment input/output geometry.
type SegDim struct {
	Num struct {
		X int
		Y int
	}
	In struct {
		W       int
		H       int
		XStride int // distance between left edges of horizontally consecutive segments (elements)
		YStride int
	}
	Out struct {
		W       int
		H       int
		XStride int
		YStride int
	}
}

// strideUnset marks strides that default to the segment width/height once
// segmentation is fixed.
const strideUnset = int(^uint(0)>>1)*-1 - 1 // INT_MIN
