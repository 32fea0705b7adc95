package gen

import (
	"math"

	"github.com/vpro-eis/netgen/gen/bif"
)

// ScatterPoolMode selects how colliding points combine in a grid cell.
type ScatterPoolMode int

const (
	ScatterPoolNone ScatterPoolMode = iota // just scatter
	ScatterPoolMax
)

// ScatterToGrid writes sparse point features into a dense 2D grid: source
// 0 carries the fixed-point coordinates, source 1 the features. The
// scatter runs on the host-side block mover, one command per channel.
type ScatterToGrid struct {
	LayerBase

	XMin, XMax float64
	YMin, YMax float64
	Res        float64
	PoolMode   ScatterPoolMode
	UseVPRODMA bool

	IndexShift int16
	XMinFixed  int16
	YMinFixed  int16

	nCellsX     int
	nCellsY     int
	memcopySize uint16
}

func NewScatterToGrid(name string, number int) *ScatterToGrid {
	l := &ScatterToGrid{}
	l.initBase(l)
	l.Name = name
	l.Number = number
	return l
}

func (s *ScatterToGrid) TypeName() string { return "ScatterToGrid" }

func (s *ScatterToGrid) LayerType() bif.LayerType { return bif.LTScatterToGrid }

func (s *ScatterToGrid) ProcessParams() error {
	if len(s.SrcLayers) != 2 {
		return layerError(s, ErrShape, "expecting inputs [coordinates, features]")
	}
	if s.XMin == s.XMax || s.YMin == s.YMax {
		return layerError(s, ErrShape, "grid extent is empty")
	}

	s.nCellsX = int(math.Floor((s.XMax - s.XMin) / s.Res))
	s.nCellsY = int(math.Floor((s.YMax - s.YMin) / s.Res))

	if err := s.LayerBase.ProcessParams(); err != nil {
		return err
	}

	// Transfer size for copying the grid from the host data cache into the
	// accelerator memory section.
	size := ceilDiv(s.nCellsX*s.nCellsY*s.OutDim.Ch, s.arch.Clusters)
	for size > 2048 {
		size = ceilDiv(size, 2)
	}
	s.memcopySize = uint16(size)
	return nil
}

func (s *ScatterToGrid) ComputeOutputDim() error {
	s.OutDim.X = s.nCellsX
	s.OutDim.Y = s.nCellsY
	s.OutDim.Ch = s.InDim(1).Ch
	return nil
}

func (s *ScatterToGrid) GenerateSegments() error { return nil }

func (s *ScatterToGrid) GenerateCommands() error {
	s.CmdCnt = CmdCount{}
	s.Commands = s.Commands[:0]

	for oc := 0; oc < s.OutDim.Ch; oc++ {
		cmd := bif.CommandSegment{Type: bif.CmdScatter}
		cmd.Scatter.IndexShift = s.IndexShift
		cmd.Scatter.XMinFixed = s.XMinFixed
		cmd.Scatter.YMinFixed = s.YMinFixed
		cmd.Scatter.MMAddrCoords = uint64(s.InDim(0).MM.Base)
		cmd.Scatter.MMAddrFeatures = uint64(s.InDim(1).MM.ChannelBase[oc])
		cmd.Scatter.MMAddrGrid = uint64(s.OutDim.MM.ChannelBase[oc])
		cmd.Scatter.MemcopySize = s.memcopySize
		cmd.Scatter.UseVPRODMA = uint16(b2i(s.UseVPRODMA))
		s.Commands = append(s.Commands, cmd)
	}
	return nil
}

func (s *ScatterToGrid) CompressCommands() {}

// PointPillars densifies pillar features: a flat convolution over the
// per-pillar feature columns whose results land at grid positions taken
// from the second source. The 1D machinery applies; only the output
// addressing differs.
type PointPillars struct {
	Conv1D

	XMin, XMax float64
	YMin, YMax float64
	Res        float64

	nCellsX int
	nCellsY int
}

func NewPointPillars(name string, number int) *PointPillars {
	l := &PointPillars{}
	l.initConv(l)
	l.LoadWeightsAtOnce = true
	l.Name = name
	l.Number = number
	return l
}

func (p *PointPillars) TypeName() string { return "PointPillars" }

func (p *PointPillars) LayerType() bif.LayerType { return bif.LTPointPillars }

func (p *PointPillars) ProcessParams() error {
	if len(p.SrcLayers) != 2 {
		return layerError(p, ErrShape, "expecting inputs [features, grid segmentation]")
	}
	if p.ParallelOutchannelsPerLane != 1 {
		return layerError(p, ErrShape, "channel parallelism not supported")
	}
	if p.XMin == p.XMax || p.YMin == p.YMax {
		return layerError(p, ErrShape, "grid extent is empty")
	}
	p.nCellsX = int(math.Floor((p.XMax - p.XMin) / p.Res))
	p.nCellsY = int(math.Floor((p.YMax - p.YMin) / p.Res))

	return p.Conv1D.ProcessParams()
}

func (p *PointPillars) ComputeOutputDim() error {
	p.OutDim.X = p.InDim(0).X
	p.OutDim.Y = 1
	return nil
}

// GetSegment keeps the feature addressing of the 1D path but points the
// second source at the shared grid-segmentation table.
func (p *PointPillars) GetSegment(x, y, inCh, outCh int) *Segment {
	segment := &Segment{
		XSeg:       x,
		YSeg:       y,
		OutChannel: outCh,
		InChannel:  inCh,
		IsFirst:    inCh == p.FirstInputChannel(x, y, outCh, 0),
		IsLast:     inCh == p.LastInputChannel(x, y, outCh, 0),
	}

	in := p.InDim(0)
	segment.InMMBase = append(segment.InMMBase,
		in.MM.ChannelBase[inCh]+uint32(2*x*p.Seg.In.XStride))
	segment.InMMYStride = append(segment.InMMYStride, int32(in.MM.X))

	grid := p.InDim(1)
	segment.InMMBase = append(segment.InMMBase,
		grid.MM.ChannelBase[0]+uint32(2*x*p.Seg.In.XStride))
	segment.InMMYStride = append(segment.InMMYStride, int32(grid.MM.X))

	segment.OutMMBase = p.OutDim.MM.ChannelBase[outCh] + uint32(2*x*p.Seg.Out.XStride)
	segment.OutMMYStride = int32(p.OutDim.MM.X)
	return segment
}

// DConvConv is a flat "convolution" applying a 1xN kernel and using each
// input exactly once; the sampling stage (DConvDeform) prepares its input
// columns.
type DConvConv struct {
	Conv2D
}

func NewDConvConv(name string, number int) *DConvConv {
	l := &DConvConv{}
	l.initConv(l)
	l.Name = name
	l.Number = number
	return l
}

func (c *DConvConv) TypeName() string { return "DConvConv" }

func (c *DConvConv) LayerType() bif.LayerType { return bif.LTDConvConv }

func (c *DConvConv) ProcessParams() error {
	if c.Stride != 1 {
		return layerError(c, ErrShape, "stride not supported")
	}
	if c.PaddingMode != PadSame {
		return layerError(c, ErrShape, "no padding applies; padding mode must stay at its default")
	}
	if err := c.Conv2D.ProcessParams(); err != nil {
		return err
	}
	// Never padded.
	c.Padding.Algo = bif.PadReduced{}

	// The unique-use pattern leaves no room for the double-buffer result
	// packing tricks.
	c.Cfg.UseDMAStoreSplitter = false
	c.LMLaneStride = c.arch.RFSize * 2
	return nil
}

func (c *DConvConv) ComputeOutputDim() error {
	if c.InDim(0).X%c.KernelLength != 0 {
		return layerError(c, ErrShape, "input width %d not divisible by kernel %d", c.InDim(0).X, c.KernelLength)
	}
	c.OutDim.X = c.InDim(0).X / c.KernelLength
	c.OutDim.Y = c.InDim(0).Y
	c.convOutDim = Dim{X: c.OutDim.X, Y: c.OutDim.Y, Ch: c.OutDim.Ch}
	return nil
}

func (c *DConvConv) ComputeInputPadding() {}

func (c *DConvConv) ExpectedWeightCount() int {
	kernelSize := c.OutDim.Ch * c.InDim(0).Ch * c.KernelLength
	biasSize := 0
	if c.UseBias {
		biasSize = c.OutDim.Ch
	}
	return kernelSize + biasSize
}

func (c *DConvConv) BiasMMAddr(outChannel int) uint32 {
	return c.MMWeights + uint32(2*(c.OutDim.Ch*c.InDim(0).Ch*c.KernelLength+outChannel))
}

// KernelMMAddr indexes the kernel layout (ch_in, ch_out, x).
func (c *DConvConv) KernelMMAddr(inChannel, outChannel, x, y int) uint32 {
	return c.MMWeights + uint32(2*(x+c.KernelLength*(outChannel+c.OutDim.Ch*inChannel)))
}

// SetSegmentDimensions tiles the flat output rows; the input advances by
// kernel_length elements per output element.
func (c *DConvConv) SetSegmentDimensions() error {
	nWeights := c.KernelLength + b2i(c.UseBias)
	rfFreeEntries := c.arch.RFDiscardAddr() - nWeights
	lmFreeEntries := c.arch.LMSize/4 - c.arch.Lanes*nWeights

	segLen := minInt(minInt(rfFreeEntries, lmFreeEntries/c.KernelLength), c.OutDim.X)
	segLen = minInt(segLen, c.arch.MaxZEnd())
	if segLen < 1 {
		return layerError(c, ErrCapacity, "kernel of length %d leaves no room for data", c.KernelLength)
	}

	c.Seg.Num.X = ceilDiv(c.OutDim.X, segLen)
	c.Seg.Num.Y = c.OutDim.Y

	c.Seg.In.W = segLen * c.KernelLength
	c.Seg.In.H = 1
	c.Seg.Out.W = segLen
	c.Seg.Out.H = 1
	c.Seg.In.XStride = c.Seg.In.W
	c.Seg.In.YStride = 1

	c.convSegW = segLen
	c.convSegH = 1
	return nil
}

func (c *DConvConv) convVPRO(segment *Segment, buffer Buffer, laneMask uint32, memLayout *bif.CommandVPRO) (bif.CommandSegment, error) {
	cmd, err := c.Conv2D.convVPRO(segment, buffer, laneMask, memLayout)
	if err != nil {
		return cmd, err
	}
	cmd.VPRO.Command = bif.VOpDConvConv
	return cmd, nil
}

func (c *DConvConv) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	before := len(c.Commands)
	if err := c.Conv.Compute(segments, segCnt, buffer, storeBuffer); err != nil {
		return err
	}
	if len(c.Commands) > before {
		c.Commands[before].VPRO.Command = bif.VOpDConvConv
	}
	return nil
}

// DConvDeform gathers deformably sampled input columns for a following
// DConvConv: for every output pixel it samples kernel_size positions from
// the input feature map at offsets provided by the second source.
type DConvDeform struct {
	LayerBase

	// Kernel size of the following convolution; only 3x3 = 9 supported.
	KernelSize int

	// Samples beyond the maximum offset read as zero.
	MaxOffsetX int
	MaxOffsetY int

	ResultShiftRight int16
}

func NewDConvDeform(name string, number int) *DConvDeform {
	l := &DConvDeform{}
	l.initBase(l)
	l.KernelSize = 9
	l.MaxOffsetX = 4
	l.MaxOffsetY = 4
	l.ResultShiftRight = 8
	l.Name = name
	l.Number = number
	return l
}

func (d *DConvDeform) TypeName() string { return "DConvDeform" }

func (d *DConvDeform) LayerType() bif.LayerType { return bif.LTDConvDeform }

func (d *DConvDeform) ProcessParams() error {
	d.Cfg.SchedulingOrder = IterateSortedOutC
	d.Padding.Enabled = false // sampling clamps at the offset limit instead
	if d.KernelSize != 9 {
		return layerError(d, ErrShape, "only kernel size 9 supported")
	}
	if len(d.SrcLayers) != 2 {
		return layerError(d, ErrShape, "expecting inputs [features, offsets]")
	}
	if err := d.LayerBase.ProcessParams(); err != nil {
		return err
	}
	d.Groups = d.OutDim.Ch // one input channel per output channel
	return nil
}

func (d *DConvDeform) ComputeOutputDim() error {
	// Each output pixel expands to the kernel_size sampled columns.
	d.OutDim.X = d.InDim(0).X * d.KernelSize
	d.OutDim.Y = d.InDim(0).Y
	d.OutDim.Ch = d.InDim(0).Ch
	return nil
}

func (d *DConvDeform) SetSegmentDimensions() error {
	// The sampled rows must fit half of LM: one feature slice per lane,
	// the shared offset rows, and the staged output columns.
	lmFree := d.arch.LMSize / 2
	inW := d.InDim(0).X

	fits := func(rows int) bool {
		return d.arch.Lanes*rows*inW+rows*inW*2+rows*inW*d.KernelSize <= lmFree
	}
	rows := 1
	for rows < d.InDim(0).Y && fits(rows+1) {
		rows++
	}
	if !fits(rows) {
		return layerError(d, ErrCapacity, "no row slice of width %d fits local memory", inW)
	}

	d.Seg.Num.X = 1
	d.Seg.Num.Y = ceilDiv(d.InDim(0).Y, rows)

	d.Seg.In.W = inW
	d.Seg.In.H = rows
	d.Seg.Out.W = inW * d.KernelSize
	d.Seg.Out.H = rows
	d.Seg.In.YStride = rows
	d.Seg.Out.YStride = rows
	return nil
}

// GetSegment addresses the feature slice per channel and the shared
// offset rows (the offset source has no per-channel layout).
func (d *DConvDeform) GetSegment(x, y, inCh, outCh int) *Segment {
	segment := &Segment{
		XSeg:       x,
		YSeg:       y,
		OutChannel: outCh,
		InChannel:  inCh,
		IsFirst:    inCh == d.FirstInputChannel(x, y, outCh, 0),
		IsLast:     inCh == d.LastInputChannel(x, y, outCh, 0),
	}

	in := d.InDim(0)
	segment.InMMBase = append(segment.InMMBase,
		in.MM.ChannelBase[inCh]+uint32(2*(x*d.Seg.In.XStride+y*d.Seg.In.YStride*in.MM.X)))
	segment.InMMYStride = append(segment.InMMYStride, int32(in.MM.X))

	offs := d.InDim(1)
	segment.InMMBase = append(segment.InMMBase,
		offs.MM.ChannelBase[0]+uint32(2*y*d.Seg.In.YStride*offs.MM.X))
	segment.InMMYStride = append(segment.InMMYStride, int32(offs.MM.X))

	segment.OutMMBase = d.OutDim.MM.ChannelBase[outCh] +
		uint32(2*(x*d.Seg.Out.XStride+y*d.Seg.Out.YStride*d.OutDim.MM.X))
	segment.OutMMYStride = int32(d.OutDim.MM.X)
	return segment
}

// CompatibleSegmentsBlock: sampling reads unpredictable addresses, so a
// unit can only hold segments of identical position.
func (d *DConvDeform) CompatibleSegmentsBlock(a, s *Segment, lane, laneOutCh int) bool {
	if a == nil || s == nil || a.Dummy || s.Dummy {
		return true
	}
	return a.XSeg == s.XSeg && a.YSeg == s.YSeg
}

func (d *DConvDeform) dconvDeformVPRO(segment *Segment, buffer Buffer) bif.CommandSegment {
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO.Command = bif.VOpDConvDeform
	cmd.VPRO.Buffer = uint32(int(buffer) * d.arch.LMSize / 2)
	cmd.VPRO.XEnd = uint16(d.Seg.In.W - 1)
	cmd.VPRO.YEnd = uint16(d.Seg.In.H - 1)
	cmd.VPRO.ZEnd = uint16(d.KernelSize - 1)
	cmd.VPRO.ShiftRight = d.ResultShiftRight
	cmd.VPRO.LaneMask = 1
	return cmd
}

func (d *DConvDeform) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D, dmas2D []DMADescriptor

	// LM layout per buffer half: one feature slice per lane, then the
	// shared offset rows of the unit.
	sliceWords := d.Seg.In.W * d.Seg.In.H

	cl, un, ln := 0, 0, 0
	for i := 0; i < d.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			// Every lane samples its own channel's feature rows.
			feat := d.DataLoad(segment, cl, un, buffer, 0)
			feat.LMAddr += uint32(ln * sliceWords)
			dmas2D = append(dmas2D, feat)

			// Offset rows are shared by all lanes of the unit.
			if ln == 0 {
				offs := DMADescriptor{
					Dir:     bif.DirE2L2D,
					Cluster: cl,
					Unit:    un,
					XSize:   d.Seg.In.W * 2, // x and y offset per position
					YSize:   d.Seg.In.H,
					MMAddr:  uint64(segment.InMMBase[1]),
					LMAddr:  uint32(int(buffer)*(d.arch.LMSize/2) + d.arch.Lanes*sliceWords),
					YLeap:   d.InDim(1).MM.X - d.Seg.In.W*2 + 1,
				}
				dmas2D = append(dmas2D, offs)
			}
		}
		nextHardwareElement(d.arch, &cl, &un, &ln)
	}

	d.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

func (d *DConvDeform) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	setLen := d.arch.ParallelLanes()
	si := segCnt
	for segments[si].Dummy {
		si++
		if si >= segCnt+setLen {
			return nil
		}
	}
	d.Commands = append(d.Commands, d.dconvDeformVPRO(segments[si], buffer))
	d.CmdCnt.VPRO++
	*storeBuffer = storeBuffer.other()
	return nil
}

func (d *DConvDeform) GenerateBifLayer(bl *bif.LayerHeader) {
	d.LayerBase.GenerateBifLayer(bl)
	bl.KernelLength = int32(d.KernelSize)
	bl.ConvResultShiftRight = int32(d.ResultShiftRight)
}
