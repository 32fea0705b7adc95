// Package bif defines the binary interchange format shared between the
// offline network compiler and the on-device runtime: the NET and LAYER
// headers, the typed command segments replayed by the runtime, and their
// wire encoding. Record sizes and field order are a hardware contract and
// must stay bit-exact across both sides.
//
// This package has no dependencies on gen/ — it stores pure data types.
package bif

// NetMagicword identifies a program blob. The runtime refuses blobs whose
// first word differs.
const NetMagicword uint32 = 0xE15B10B1

// BlobAlign is the alignment of all structure boundaries inside the
// program blob.
const BlobAlign = 32

// CommandSegmentSize is the fixed wire size of every command record.
const CommandSegmentSize = 96

// NetHeaderSize is the size of the NET header without the trailing
// per-layer offset table.
const NetHeaderSize = 24

// LayerHeaderSize is the size of the LAYER header preceding the layer's
// command records.
const LayerHeaderSize = 240

// CommandType tags the active variant of a CommandSegment.
type CommandType uint32

const (
	CmdUnknown CommandType = iota
	CmdVPRO
	CmdDMA
	CmdVPROWait
	CmdDMAWait
	CmdBothSync
	CmdDMABlock
	CmdDMALoop
	CmdDMASetPadding
	CmdScatter
)

func (t CommandType) String() string {
	switch t {
	case CmdVPRO:
		return "VPRO"
	case CmdDMA:
		return "DMA"
	case CmdVPROWait:
		return "VPRO_WAIT"
	case CmdDMAWait:
		return "DMA_WAIT"
	case CmdBothSync:
		return "BOTH_SYNC"
	case CmdDMABlock:
		return "DMA_BLOCK"
	case CmdDMALoop:
		return "DMA_LOOP"
	case CmdDMASetPadding:
		return "DMA_SET_PADDING"
	case CmdScatter:
		return "SCATTER"
	}
	return "UNKNOWN"
}

// LayerType identifies the operation a LAYER record encodes.
type LayerType uint32

const (
	LTUnknown LayerType = iota
	LTInput
	LTConv1
	LTConv2
	LTConv2Transpose
	LTMaxPool2D
	LTAvgPool2D
	LTGlobalAvgPool2D
	LTGlobalMaxPool2D
	LTAdd
	LTMul
	LTConcatenate
	LTDepthToSpace
	LTDynamicAxis
	LTScatterToGrid
	LTPointPillars
	LTDConvDeform
	LTDConvConv
)

// Activation selects the fused activation function.
type Activation uint32

const (
	NoActivation Activation = iota
	Rect                    // relu
	Relu6
	Leaky
	Sigmoid
	Swish
)

func (a Activation) String() string {
	switch a {
	case NoActivation:
		return "none"
	case Rect:
		return "relu"
	case Relu6:
		return "relu6"
	case Leaky:
		return "leakyrelu"
	case Sigmoid:
		return "sigmoid"
	case Swish:
		return "swish"
	}
	return "<invalid>"
}

// VPROType selects the vector operation issued by a CmdVPRO record.
type VPROType uint32

const (
	VOpNone VPROType = iota
	VOpConvStart
	VOpConvAdd
	VOpConv1DStart
	VOpConv1DAdd
	VOpConvTransposeStart
	VOpConvTransposeAdd
	VOpMaxPool2x2Fused
	VOpActivationFused
	VOpShiftStore
	VOpShiftStoreUpsample
	VOpAdd
	VOpMul
	VOpMaxPool
	VOpAvgPool
	VOpGlobalAvgPool2DStart
	VOpGlobalAvgPool2DAdd
	VOpGlobalAvgPool2DDivide
	VOpGlobalMaxPool2DStart
	VOpGlobalMaxPool2DAdd
	VOpGlobalMaxPool2DStore
	VOpDepthToSpace
	VOpDConvDeform
	VOpDConvConv
)

func (v VPROType) String() string {
	switch v {
	case VOpConvStart:
		return "conv_start"
	case VOpConvAdd:
		return "conv_add"
	case VOpConv1DStart:
		return "conv1d_start"
	case VOpConv1DAdd:
		return "conv1d_add"
	case VOpConvTransposeStart:
		return "conv_transpose_start"
	case VOpConvTransposeAdd:
		return "conv_transpose_add"
	case VOpMaxPool2x2Fused:
		return "maxpool2x2_fused"
	case VOpActivationFused:
		return "activation_fused"
	case VOpShiftStore:
		return "shift_store"
	case VOpShiftStoreUpsample:
		return "shift_store_upsample"
	case VOpAdd:
		return "add"
	case VOpMul:
		return "mul"
	case VOpMaxPool:
		return "maxpool"
	case VOpAvgPool:
		return "avgpool"
	case VOpGlobalAvgPool2DStart:
		return "global_avgpool2d_start"
	case VOpGlobalAvgPool2DAdd:
		return "global_avgpool2d_add"
	case VOpGlobalAvgPool2DDivide:
		return "global_avgpool2d_divide"
	case VOpGlobalMaxPool2DStart:
		return "global_maxpool2d_start"
	case VOpGlobalMaxPool2DAdd:
		return "global_maxpool2d_add"
	case VOpGlobalMaxPool2DStore:
		return "global_maxpool2d_store"
	case VOpDepthToSpace:
		return "depth_to_space"
	case VOpDConvDeform:
		return "dconv_deform"
	case VOpDConvConv:
		return "dconv_conv"
	}
	return "none"
}

// DMADirection encodes transfer direction and dimensionality. Bit 1
// distinguishes external-to-local from local-to-external.
type DMADirection uint32

const (
	DirE2L1D DMADirection = 0
	DirE2L2D DMADirection = 1
	DirL2E1D DMADirection = 2
	DirL2E2D DMADirection = 3
)

// IsL2E reports whether the transfer moves data from local to external
// memory.
func (d DMADirection) IsL2E() bool { return d&0b10 != 0 }

func (d DMADirection) String() string {
	switch d {
	case DirE2L1D:
		return "e2l1D"
	case DirE2L2D:
		return "e2l2D"
	case DirL2E1D:
		return "l2e1D"
	case DirL2E2D:
		return "l2e2D"
	}
	return "<invalid>"
}

// PadReduced is a padding quadruple plus the fill value materialised by the
// DMA for padded pixels.
type PadReduced struct {
	Top    int32
	Right  int32
	Bottom int32
	Left   int32
	Value  int32
}

// Zero reports whether no edge carries padding.
func (p PadReduced) Zero() bool {
	return p.Top == 0 && p.Right == 0 && p.Bottom == 0 && p.Left == 0
}

// CommandVPRO is the compute variant: one vector instruction broadcast to
// the lanes selected by LaneMask, addressed through the 4D offset/alpha/
// beta/gamma slots implied by the end bounds.
type CommandVPRO struct {
	Command  VPROType
	LaneMask uint32
	Buffer   uint32 // LM base of the input double-buffer half

	XEnd uint16
	YEnd uint16
	ZEnd uint16
	Nops uint16 // pipeline-bubble compensation before this record

	ShiftRight int16
	RFFracBits int16
	RFBase     uint16
	RFChStride uint16

	LMBase       uint32
	LMChStride   uint16
	LMLaneStride uint16

	BroadcastMap uint16 // elementwise: bit triple (ch|y|x) per source
	InChOffset   uint16 // 1D conv: channel offset into the at-once weight block

	KernelLoadBufferL0 uint32
	KernelLoadBufferL1 uint32
	BiasLoadBufferL0   uint32
	BiasLoadBufferL1   uint32

	// Global pooling: scale before and after the multiplier.
	PreShiftRight int16
	Multiplier    int16
}

// CommandDMA is the transfer variant. For 1D transfers XSize carries the
// word count and YSize is 1.
type CommandDMA struct {
	Direction DMADirection
	Cluster   uint32 // cluster index; cluster bit-mask after broadcast merging
	UnitMask  uint32

	MMAddr uint64
	LMAddr uint32

	XSize uint32
	YSize uint32
	YLeap int32

	Padding uint32 // bit 0 top, 1 right, 2 bottom, 3 left

	IsKernelOffset bool
	IsBiasOffset   bool

	SkippedElementsAtEnd uint8 // overcalc words a trailing store must drop
}

// PadFlags packs the four pad booleans the way the DMA expects them.
func PadFlags(top, right, bottom, left bool) uint32 {
	var p uint32
	if top {
		p |= 1 << 0
	}
	if right {
		p |= 1 << 1
	}
	if bottom {
		p |= 1 << 2
	}
	if left {
		p |= 1 << 3
	}
	return p
}

// CommandDMABlock prefixes a burst of Count consolidated DMA records; only
// the header occupies a slot in the synchronisation FIFO.
type CommandDMABlock struct {
	Count uint32
}

// CommandDMALoop replays the immediately following DMA record Count times,
// advancing its external address by MMStride per iteration.
type CommandDMALoop struct {
	Count    uint32
	MMStride int64
}

// CommandDMASetPadding programs the per-layer DMA pad widths.
type CommandDMASetPadding struct {
	Pad PadReduced
}

// CommandScatter drives the grid scatter used by point-cloud frontends:
// fixed-point coordinates select the grid cell each feature column is
// written to.
type CommandScatter struct {
	MMAddrCoords   uint64
	MMAddrFeatures uint64
	MMAddrGrid     uint64
	IndexShift     int16
	XMinFixed      int16
	YMinFixed      int16
	MemcopySize    uint16
	UseVPRODMA     uint16
}

// CommandSegment is the tagged union stored in the program blob. Exactly
// one payload is valid, selected by Type.
type CommandSegment struct {
	Type CommandType

	VPRO    CommandVPRO
	DMA     CommandDMA
	Block   CommandDMABlock
	Loop    CommandDMALoop
	SetPad  CommandDMASetPadding
	Scatter CommandScatter
}

// MMData describes one tensor's main-memory image in a LAYER record.
type MMData struct {
	MMBase   uint32
	X        uint32
	Y        uint32
	YStride  uint32
	Channels uint32
}

// LayerHeader is the fixed-size front of a LAYER record; CommandSegments
// follow immediately after.
type LayerHeader struct {
	Type         LayerType
	Number       int32
	InChannels   uint32
	OutChannels  uint32
	DynamicShape bool
	Axis         int32

	SegOutW int32
	SegOutH int32
	SegInW  int32
	SegInH  int32

	Stride        int32
	KernelLength  int32
	ConvGroups    int32
	DilationRateW int32
	DilationRateH int32

	ConvResultShiftRight int32
	BiasShiftRight       int32
	StoreShiftRight      int32
	Relu6ShiftLeft       int32
	Alpha                int32
	AlphaMulhShiftRight  int32
	Elwise0LeftShift     int32
	Elwise1LeftShift     int32

	Activation Activation
	PoolStride int32

	PoolSizeW    int32
	PoolSizeH    int32
	PoolSizeCh   int32
	PoolStrideW  int32
	PoolStrideH  int32
	PoolStrideCh int32

	PoolAvgShiftRight int32
	BlockSize         int32

	Pad PadReduced

	// Transposed convolution: sub-pixel (< stride) padding components and
	// the true input pixels per segment.
	SubpixelPad  PadReduced
	InputPixelsW int32
	InputPixelsH int32

	Input  MMData
	Output MMData

	LastLayerUsingInput       bool
	FirstLayerProducingOutput bool

	ParallelOutchannelsPerLane uint32
	ParallelInchannelsPerLane  uint32

	CommandSegmentsCount uint32
}

// NetHeader is the front of the program blob. The per-layer byte offsets
// (from blob base) follow immediately after.
type NetHeader struct {
	Magicword         uint32
	Blobsize          uint32
	Reserved          uint32
	LayerCount        uint32
	LayerExeclistCnt  uint32
	LayerExeclistOffs uint32
}

// Align rounds a up to the next multiple of alignment (a power of two).
func Align(a, alignment uint32) uint32 {
	return (a + alignment - 1) &^ (alignment - 1)
}
