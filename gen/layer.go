package gen

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vpro-eis/netgen/gen/bif"
)

// Buffer selects one half of the double-buffered local memory.
type Buffer int

const (
	BufA Buffer = 0
	BufB Buffer = 1
)

func (b Buffer) other() Buffer { return 1 - b }

// groupsUnset marks the groups parameter as defaulted; ProcessParams fills
// the per-layer default.
const groupsUnset = strideUnset

// Layer is one node of the network graph. Concrete layer types embed
// LayerBase for the shared state and machinery and override the hooks
// their operation needs. The hook set mirrors the distinct phases of the
// program flow:
//
//	Net.Generate()
//	    ProcessParams() per layer          -> out_dim.(x|y), algo padding
//	    memory planning: SetOutputMMAddr() -> segmentation + mm layout
//	    GenerateCommandSegments() per layer
//	        GenerateSegments()             -> segments mapped to lanes
//	        GenerateCommands()             -> double-buffered command stream
//	        CompressCommands()             -> merged/looped/blocked stream
type Layer interface {
	Base() *LayerBase

	TypeName() string
	LayerType() bif.LayerType

	// ProcessParams normalises defaults and asserts parameter
	// compatibility; call after all parameters have been set and before
	// using the layer.
	ProcessParams() error

	// Algorithm-view geometry: derive out_dim.(x|y) from inputs and
	// parameters. Implementation-view out_dim.mm.* is set by
	// SetOutputMMAddr.
	ComputeOutputDim() error
	ComputeInputPadding()
	ComputeDmaPadding()

	ExpectedWeightCount() int

	SetOutputMMAddr(addr uint32) error
	OutputMMSize() uint32
	WeightsMMSize() uint32

	// Implementation-view memory layout.
	SetSegmentDimensions() error
	SetOutputMemDimensions()
	CalcOutputMemLayout()

	// Group-aware input-channel iteration.
	FirstInputChannel(x, y, outCh, srcIdx int) int
	LastInputChannel(x, y, outCh, srcIdx int) int
	NextInputChannel(x, y, inCh, outCh, srcIdx int) int
	NumUsedInputChannels(x, y, outCh, srcIdx int) int
	UsesInputCh(x, y, inCh, outCh, srcIdx int) bool

	GetSegment(x, y, inCh, outCh int) *Segment
	CompatibleSegmentsBlock(a, b *Segment, lane, laneOutCh int) bool

	GenerateSegments() error
	GenerateCommands() error
	CompressCommands()

	// The three double-buffer subroutines.
	Load(segments []*Segment, segCnt int, buffer Buffer) error
	Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error
	Store(segments []*Segment, segCnt int, buffer Buffer) error
	DataStore(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error)

	GenerateBifLayer(bl *bif.LayerHeader)

	FullName() string
}

// LayerBase carries the state and default behaviour shared by all layer
// types. The self reference re-enters the concrete type for hook calls
// made from default implementations.
type LayerBase struct {
	self Layer
	arch Arch

	Name   string
	Number int // unique user-supplied handle, printed in parentheses

	OutDim Dim // exactly one output dimension per layer

	// groups == 1: each output channel depends on all input channels.
	// groups == out_dim.ch == in_dim.ch: each output channel depends on
	// one input channel only.
	Groups int

	OutIsResult bool // layer output is a CNN result
	Cfg         LayerConfig

	SrcLayers  []Layer // links to all source layers; use AddSrcLayers
	DestLayers []Layer // links to all consumers; set automatically

	ProducesBinaryData bool
	IsInputLayer       bool
	UseDynamicShape    bool

	// Handshake with the host processor: input no longer required / wait
	// until the output may be overwritten.
	LastLayerUsingInput       bool
	FirstLayerProducingOutput bool

	ParallelOutchannelsPerLane int
	ParallelInchannelsPerLane  int

	MMWeights    uint32 // main-memory address of the packed weights
	LMLaneStride int    // result stride in LM

	Padding struct {
		Algo    bif.PadReduced // additional pixels around in_dim.(x|y)
		DMA     bif.PadReduced // padding pixels inside the segmented image
		Enabled bool           // disable for non-standard use of segmentation
	}

	Seg    SegDim
	CmdCnt CmdCount

	WeightsLoaded bool
	WeightsPacked []int16 // format depends on the concrete layer type
	WeightsFname  string

	Segments []*Segment           // flattened [set][cluster][unit][lane][parallel out ch]
	Commands []bif.CommandSegment // commands of this layer
}

// initBase wires the self reference; every concrete constructor calls it.
func (b *LayerBase) initBase(self Layer) {
	b.self = self
	b.Groups = groupsUnset
	b.LMLaneStride = strideUnset
	b.ParallelOutchannelsPerLane = 1
	b.ParallelInchannelsPerLane = 1
	b.ProducesBinaryData = true
	b.Padding.Enabled = true
	b.Cfg = DefaultLayerConfig()
	b.Seg.In.XStride = strideUnset
	b.Seg.In.YStride = strideUnset
	b.Seg.Out.XStride = strideUnset
	b.Seg.Out.YStride = strideUnset
}

func (b *LayerBase) Base() *LayerBase { return b }

// Arch returns the array geometry the layer compiles for; assigned by
// Net.AddLayer.
func (b *LayerBase) Arch() Arch { return b.arch }

func (b *LayerBase) setArch(a Arch) { b.arch = a }

// AddSrcLayers specifies the layer inputs and registers this layer as a
// consumer of each source.
func (b *LayerBase) AddSrcLayers(layers ...Layer) {
	b.SrcLayers = append(b.SrcLayers, layers...)
	for _, l := range layers {
		lb := l.Base()
		lb.DestLayers = append(lb.DestLayers, b.self)
	}
}

// InDim aliases the source layer's output dimension; input shapes are
// never copied.
func (b *LayerBase) InDim(inputIdx int) *Dim {
	return &b.SrcLayers[inputIdx].Base().OutDim
}

// IsTransientInputLayer takes "transparent" shape-only layers into
// account: a layer fed (possibly through aliasing layers) by a CNN input.
func (b *LayerBase) IsTransientInputLayer() bool {
	if b.IsInputLayer {
		return true
	}
	if b.ProducesBinaryData { // this layer computes
		return false
	}
	for _, sl := range b.SrcLayers {
		if sl.Base().IsTransientInputLayer() {
			return true
		}
	}
	return false
}

// PaddedInMMBase shifts a channel base from the top-left of the unpadded
// feature map to the top-left of the padded one. The row stride of source
// 0 is used for all sources (padding is configured per layer, not per
// input).
func (b *LayerBase) PaddedInMMBase(inputIdx, ch int) uint32 {
	shift := 2 * (b.InDim(0).MM.X*int(b.Padding.DMA.Top) + int(b.Padding.DMA.Left))
	return b.InDim(inputIdx).MM.ChannelBase[ch] - uint32(shift)
}

func (b *LayerBase) FullName() string {
	return fmt.Sprintf("'%s' (%d)", b.Name, b.Number)
}

// IoStr returns 'I' and/or 'O' markers for CNN inputs/outputs.
func (b *LayerBase) IoStr(preSpace, postSpace bool) string {
	io := ""
	if b.IsInputLayer {
		io += "I"
	}
	if b.OutIsResult {
		io += "O"
	}
	if io != "" {
		if preSpace {
			io = " " + io
		}
		if postSpace {
			io += " "
		}
	}
	return io
}

// ProcessParams is the default parameter normalisation.
func (b *LayerBase) ProcessParams() error {
	if err := b.self.ComputeOutputDim(); err != nil {
		return err
	}
	b.self.ComputeInputPadding()

	if b.Groups == groupsUnset {
		b.Groups = 1
	}
	if b.OutDim.Ch%b.Groups != 0 {
		return layerError(b.self, ErrShape, "out channels %d not divisible by groups %d", b.OutDim.Ch, b.Groups)
	}
	for srcIdx := range b.SrcLayers {
		if b.InDim(srcIdx).Ch%b.Groups != 0 {
			return layerError(b.self, ErrShape, "input %d channels %d not divisible by groups %d", srcIdx, b.InDim(srcIdx).Ch, b.Groups)
		}
	}

	if b.LMLaneStride == strideUnset {
		b.LMLaneStride = b.arch.RFSize
	}
	return nil
}

// ComputeOutputDim defaults to the geometry of the first source.
func (b *LayerBase) ComputeOutputDim() error {
	if len(b.SrcLayers) == 0 {
		return layerError(b.self, ErrShape, "can not compute output dim without src layers")
	}
	b.OutDim.X = b.InDim(0).X
	b.OutDim.Y = b.InDim(0).Y
	return nil
}

// ComputeInputPadding defaults to no padding.
func (b *LayerBase) ComputeInputPadding() {
	b.Padding.Algo = bif.PadReduced{}
}

// ComputeDmaPadding derives the padding the DMA applies to the segmented
// input image. Garbage right of/below the segment grid extends the
// right/bottom padding; padding ending outside the segmented image is
// clipped.
func (b *LayerBase) ComputeDmaPadding() {
	b.Padding.DMA = b.Padding.Algo

	if b.Padding.Enabled {
		algoInW := b.InDim(0).X + int(b.Padding.Algo.Left) + int(b.Padding.Algo.Right)
		implInW := (b.Seg.Num.X-1)*b.Seg.In.XStride + b.Seg.In.W
		b.Padding.DMA.Right = b.Padding.Algo.Right + int32(implInW-algoInW)

		algoInH := b.InDim(0).Y + int(b.Padding.Algo.Top) + int(b.Padding.Algo.Bottom)
		implInH := (b.Seg.Num.Y-1)*b.Seg.In.YStride + b.Seg.In.H
		b.Padding.DMA.Bottom = b.Padding.Algo.Bottom + int32(implInH-algoInH)
	}
	if b.Padding.DMA.Top < 0 {
		b.Padding.DMA.Top = 0
	}
	if b.Padding.DMA.Right < 0 {
		b.Padding.DMA.Right = 0
	}
	if b.Padding.DMA.Bottom < 0 {
		b.Padding.DMA.Bottom = 0
	}
	if b.Padding.DMA.Left < 0 {
		b.Padding.DMA.Left = 0
	}
}

// ExpectedWeightCount defaults to zero: most layers carry no weights.
func (b *LayerBase) ExpectedWeightCount() int { return 0 }

// DefaultWeightsFilename is where LoadWeights looks when no explicit path
// was configured.
func (b *LayerBase) DefaultWeightsFilename() string {
	return fmt.Sprintf("weights/l%03d_weights.bin", b.Number)
}

// SetWeights installs pre-packed quantised weights.
func (b *LayerBase) SetWeights(weights []int16) {
	b.WeightsPacked = weights
	b.WeightsLoaded = true
}

// LoadWeights reads the packed int16 weight file; the count is derived
// from the file size and checked against ExpectedWeightCount.
func (b *LayerBase) LoadWeights(path string) error {
	if path != "" {
		b.WeightsFname = path
	}
	if b.WeightsFname == "" {
		b.WeightsFname = b.DefaultWeightsFilename()
	}
	raw, err := os.ReadFile(b.WeightsFname)
	if err != nil {
		return layerError(b.self, ErrWeightIO, "loading weights from '%s' failed: %v", b.WeightsFname, err)
	}
	count := len(raw) / 2
	b.WeightsPacked = make([]int16, count)
	for i := 0; i < count; i++ {
		b.WeightsPacked[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	b.WeightsLoaded = true
	b.SanityCheckWeightsCount(count)
	return nil
}

// SanityCheckWeightsCount warns (but does not abort) on an unexpected
// weight count.
func (b *LayerBase) SanityCheckWeightsCount(count int) bool {
	expected := b.self.ExpectedWeightCount()
	if count != expected {
		logrus.Warnf("got %d weights for layer %s, but expected %d", count, b.FullName(), expected)
		return false
	}
	return true
}

// SetOutputMMAddr is called by the memory planner. It fixes the segment
// grid and the complete main-memory image of this layer's output.
func (b *LayerBase) SetOutputMMAddr(addr uint32) error {
	b.OutDim.MM.Base = addr

	if err := b.self.SetSegmentDimensions(); err != nil {
		return err
	}

	// Strides not assigned by SetSegmentDimensions default to the segment
	// width/height.
	if b.Seg.In.XStride == strideUnset {
		b.Seg.In.XStride = b.Seg.In.W
	}
	if b.Seg.In.YStride == strideUnset {
		b.Seg.In.YStride = b.Seg.In.H
	}
	if b.Seg.Out.XStride == strideUnset {
		b.Seg.Out.XStride = b.Seg.Out.W
	}
	if b.Seg.Out.YStride == strideUnset {
		b.Seg.Out.YStride = b.Seg.Out.H
	}

	b.self.ComputeDmaPadding()
	b.self.SetOutputMemDimensions()
	b.self.CalcOutputMemLayout()

	b.OutDim.MM.LayoutKnown = true
	return nil
}

// SetSegmentDimensions defaults to one segment covering the whole image.
func (b *LayerBase) SetSegmentDimensions() error {
	b.Seg.Num.X = 1
	b.Seg.Num.Y = 1
	if len(b.SrcLayers) == 0 {
		b.Seg.In.W = 0
		b.Seg.In.H = 0
	} else {
		b.Seg.In.W = b.InDim(0).X
		b.Seg.In.H = b.InDim(0).Y
	}
	b.Seg.Out.W = b.OutDim.X
	b.Seg.Out.H = b.OutDim.Y
	return nil
}

// SetOutputMemDimensions sets the implementation-view width/height spanned
// by the segment grid.
func (b *LayerBase) SetOutputMemDimensions() {
	b.OutDim.MM.X = b.Seg.Out.W + (b.Seg.Num.X-1)*b.Seg.Out.XStride
	b.OutDim.MM.Y = b.Seg.Out.H + (b.Seg.Num.Y-1)*b.Seg.Out.YStride
}

// CalcOutputMemLayout derives the remaining mm fields from mm.(x|y).
func (b *LayerBase) CalcOutputMemLayout() {
	b.OutDim.MM.ChSize = uint32(2 * b.OutDim.MM.X * b.OutDim.MM.Y)

	b.OutDim.MM.ChannelBase = make([]uint32, b.OutDim.Ch)
	for oc := 0; oc < b.OutDim.Ch; oc++ {
		b.OutDim.MM.ChannelBase[oc] = b.OutDim.MM.Base + uint32(oc)*b.OutDim.MM.ChSize
	}

	b.OutDim.MM.Size = uint32(b.OutDim.Ch) * b.OutDim.MM.ChSize
}

// OutputMMSize reports the bytes the memory planner must reserve; may
// exceed the payload (e.g. scratch areas) or be zero for aliasing layers.
func (b *LayerBase) OutputMMSize() uint32 {
	if !b.OutDim.MM.LayoutKnown {
		panic("OutputMMSize relies on CalcOutputMemLayout; call SetOutputMMAddr first")
	}
	return b.OutDim.MM.Size
}

// WeightsMMSize is the packed weight payload in bytes.
func (b *LayerBase) WeightsMMSize() uint32 {
	return uint32(2 * len(b.WeightsPacked))
}

// GenerateBifLayer fills the binary LAYER header fields shared by all
// layer types.
func (b *LayerBase) GenerateBifLayer(bl *bif.LayerHeader) {
	bl.InChannels = uint32(b.InDim(0).Ch)
	bl.OutChannels = uint32(b.OutDim.Ch)
	bl.Number = int32(b.Number)
	bl.Type = b.self.LayerType()
	bl.DynamicShape = b.UseDynamicShape

	bl.SegOutW = int32(b.Seg.Out.W)
	bl.SegOutH = int32(b.Seg.Out.H)
	bl.SegInW = int32(b.Seg.In.W)
	bl.SegInH = int32(b.Seg.In.H)

	bl.Pad = b.Padding.DMA

	in := b.InDim(0)
	bl.Input = bif.MMData{
		MMBase:   in.MM.ChannelBase[0],
		X:        uint32(in.X),
		Y:        uint32(in.Y),
		YStride:  uint32(in.MM.X),
		Channels: uint32(in.Ch),
	}
	bl.Output = bif.MMData{
		MMBase:   b.OutDim.MM.ChannelBase[0],
		X:        uint32(b.OutDim.X),
		Y:        uint32(b.OutDim.Y),
		YStride:  uint32(b.OutDim.MM.X),
		Channels: uint32(b.OutDim.Ch),
	}

	bl.LastLayerUsingInput = b.LastLayerUsingInput
	bl.FirstLayerProducingOutput = b.FirstLayerProducingOutput

	bl.ParallelOutchannelsPerLane = uint32(b.ParallelOutchannelsPerLane)
	bl.ParallelInchannelsPerLane = uint32(b.ParallelInchannelsPerLane)
}

// GenerateCommandSegments runs the per-layer back end: segments, commands,
// compression.
func GenerateCommandSegments(l Layer) ([]bif.CommandSegment, error) {
	if err := l.GenerateSegments(); err != nil {
		return nil, err
	}
	if err := l.GenerateCommands(); err != nil {
		return nil, err
	}
	l.CompressCommands()
	return l.Base().Commands, nil
}

// FirstInputChannel returns the lowest input channel used by an output
// channel (grouped computation).
func (b *LayerBase) FirstInputChannel(x, y, outCh, srcIdx int) int {
	inGroupLen := b.InDim(srcIdx).Ch / b.Groups
	outGroupLen := b.OutDim.Ch / b.Groups
	outGroup := outCh / outGroupLen
	return outGroup * inGroupLen
}

// LastInputChannel returns the highest input channel used by an output
// channel.
func (b *LayerBase) LastInputChannel(x, y, outCh, srcIdx int) int {
	inGroupLen := b.InDim(srcIdx).Ch / b.Groups
	outGroupLen := b.OutDim.Ch / b.Groups
	outGroup := outCh / outGroupLen
	return outGroup*inGroupLen + inGroupLen - 1
}

// NextInputChannel iterates to the next used input channel; -1 when done.
func (b *LayerBase) NextInputChannel(x, y, inCh, outCh, srcIdx int) int {
	for {
		inCh++
		if inCh == b.InDim(srcIdx).Ch {
			return -1
		}
		if b.self.UsesInputCh(x, y, inCh, outCh, srcIdx) {
			return inCh
		}
	}
}

// NumUsedInputChannels is the total number of input channels feeding an
// output channel.
func (b *LayerBase) NumUsedInputChannels(x, y, outCh, srcIdx int) int {
	return b.InDim(srcIdx).Ch / b.Groups
}

// UsesInputCh reports whether an input channel contributes to an output
// channel.
func (b *LayerBase) UsesInputCh(x, y, inCh, outCh, srcIdx int) bool {
	inGroupLen := b.InDim(srcIdx).Ch / b.Groups
	outGroupLen := b.OutDim.Ch / b.Groups
	return inCh/inGroupLen == outCh/outGroupLen
}

// Load/Compute default to nothing; layers emitting commands override them.
func (b *LayerBase) Load(segments []*Segment, segCnt int, buffer Buffer) error { return nil }

func (b *LayerBase) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	return nil
}
