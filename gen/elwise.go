package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Elementwise is the base for two-input element operations (add,
// multiply). Broadcasting is allowed on dimensions where an input is
// exactly 1; the cheaper-to-broadcast tensor is swapped to source 0.
type Elementwise struct {
	FusedFunc

	InputShiftLeft0 int16
	InputShiftLeft1 int16
}

func (e *Elementwise) initElwise(self Layer) {
	e.initFused(self)
}

func (e *Elementwise) ProcessParams() error {
	e.Padding.Enabled = false
	if len(e.SrcLayers) == 2 {
		for _, d := range []struct{ a, b int }{
			{e.InDim(0).X, e.InDim(1).X},
			{e.InDim(0).Y, e.InDim(1).Y},
			{e.InDim(0).Ch, e.InDim(1).Ch},
		} {
			if d.a != d.b && d.a != 1 && d.b != 1 {
				return layerError(e.self, ErrShape, "dimensions must be identical or 1 (broadcasting): %d vs %d", d.a, d.b)
			}
		}

		// Broadcasting in x and y is cheaper for input 0 (fewer data loaded
		// into the RF); channel broadcasting costs the same either way.
		if e.InDim(0).X*e.InDim(0).Y > e.InDim(1).X*e.InDim(1).Y {
			e.SrcLayers[0], e.SrcLayers[1] = e.SrcLayers[1], e.SrcLayers[0]
			e.InputShiftLeft0, e.InputShiftLeft1 = e.InputShiftLeft1, e.InputShiftLeft0
		}
	}

	if err := e.FusedFunc.ProcessParams(); err != nil {
		return err
	}

	e.Groups = e.OutDim.Ch // each output channel uses one input channel
	return nil
}

func (e *Elementwise) ComputeOutputDim() error {
	if len(e.SrcLayers) == 0 {
		return layerError(e.self, ErrShape, "can not compute output dim without src layers")
	}
	// Broadcasting: out_dim is the component-wise max of the inputs.
	e.OutDim.X = e.InDim(0).X
	e.OutDim.Y = e.InDim(0).Y
	e.OutDim.Ch = e.InDim(0).Ch
	for srcIdx := 1; srcIdx < len(e.SrcLayers); srcIdx++ {
		e.OutDim.X = maxInt(e.OutDim.X, e.InDim(srcIdx).X)
		e.OutDim.Y = maxInt(e.OutDim.Y, e.InDim(srcIdx).Y)
		e.OutDim.Ch = maxInt(e.OutDim.Ch, e.InDim(srcIdx).Ch)
	}
	for srcIdx := range e.SrcLayers {
		if (e.InDim(srcIdx).X != 1 && e.InDim(srcIdx).X != e.OutDim.X) ||
			(e.InDim(srcIdx).Y != 1 && e.InDim(srcIdx).Y != e.OutDim.Y) ||
			(e.InDim(srcIdx).Ch != 1 && e.InDim(srcIdx).Ch != e.OutDim.Ch) {
			return layerError(e.self, ErrShape, "input %d %s incompatible with output %s", srcIdx, e.InDim(srcIdx).AlgoStr(), e.OutDim.AlgoStr())
		}
	}
	return nil
}

// bcX/bcY/bcCh report whether a source broadcasts along an axis.
func (e *Elementwise) bcX(srcIdx int) bool  { return e.InDim(srcIdx).X < e.OutDim.X }
func (e *Elementwise) bcY(srcIdx int) bool  { return e.InDim(srcIdx).Y < e.OutDim.Y }
func (e *Elementwise) bcCh(srcIdx int) bool { return e.InDim(srcIdx).Ch < e.OutDim.Ch }

func (e *Elementwise) GenerateBifLayer(bl *bif.LayerHeader) {
	e.FusedFunc.GenerateBifLayer(bl)
	bl.Elwise0LeftShift = int32(e.InputShiftLeft0)
	bl.Elwise1LeftShift = int32(e.InputShiftLeft1)
}

func (e *Elementwise) SetSegmentDimensions() error {
	rfFreeEntries := e.arch.RFDiscardAddr()
	if e.Activation == bif.Relu6 {
		rfFreeEntries--
	}

	lmFreeEntries := e.arch.LMSize / 4
	lmInSegMax := 0
	for lmInSegMax*lmInSegMax <= lmFreeEntries {
		lmInSegMax++
	}
	lmInSegMax--

	maxBeta := 31
	maxXendYend := 31

	lmInSegMax = minInt(maxBeta, lmInSegMax)

	rfOutSegMax := lmInSegMax
	for rfOutSegMax*rfOutSegMax > rfFreeEntries {
		rfOutSegMax--
	}
	rfOutSegMax = minInt(rfOutSegMax, maxXendYend+1)

	e.Seg.Num.X = maxInt(ceilDiv(e.OutDim.X, rfOutSegMax), ceilDiv(e.InDim(0).X, lmInSegMax))
	e.Seg.Num.Y = maxInt(ceilDiv(e.OutDim.Y, rfOutSegMax), ceilDiv(e.InDim(0).Y, lmInSegMax))

	e.Seg.Out.W = ceilDiv(e.OutDim.X, e.Seg.Num.X)
	e.Seg.Out.H = ceilDiv(e.OutDim.Y, e.Seg.Num.Y)
	e.Seg.In.W = e.Seg.Out.W
	e.Seg.In.H = e.Seg.Out.H
	return nil
}

func (e *Elementwise) GetSegment(x, y, inCh, outCh int) *Segment {
	segment := e.LayerBase.GetSegment(x, y, inCh, outCh)

	// Adjust source addresses for broadcasting: the in_ch parameter can
	// not represent channels for both inputs, so derive per source from
	// the output channel.
	for srcIdx := range e.SrcLayers {
		ch := outCh
		if e.bcCh(srcIdx) {
			ch = 0
		}
		xStride := e.Seg.In.XStride
		if e.bcX(srcIdx) {
			xStride = 0
		}
		yStride := e.Seg.In.YStride
		if e.bcY(srcIdx) {
			yStride = 0
		}
		segment.InMMBase[srcIdx] = e.PaddedInMMBase(srcIdx, ch) +
			uint32(2*(x*xStride+y*yStride*e.InDim(srcIdx).MM.X))
	}

	return segment
}

// CompatibleSegmentsBlock restricts elementwise work to L0 of each unit.
func (e *Elementwise) CompatibleSegmentsBlock(a, s *Segment, lane, laneOutCh int) bool {
	if a == nil || s == nil {
		return true
	}
	if a.Dummy || s.Dummy {
		return true
	}
	return lane%e.arch.Lanes == 0
}

// Sources may need different input channels due to broadcasting; the
// overridden GetSegment handles that, so exactly one input channel per
// output channel remains.
func (e *Elementwise) FirstInputChannel(x, y, outCh, srcIdx int) int { return -1 }

func (e *Elementwise) LastInputChannel(x, y, outCh, srcIdx int) int { return -1 }

func (e *Elementwise) NextInputChannel(x, y, inCh, outCh, srcIdx int) int { return -1 }

func (e *Elementwise) NumUsedInputChannels(x, y, outCh, srcIdx int) int { return 1 }

func (e *Elementwise) UsesInputCh(x, y, inCh, outCh, srcIdx int) bool {
	if e.bcCh(srcIdx) {
		return inCh == 0
	}
	return inCh == outCh
}

// dataLoadSource shrinks the transfer of broadcast axes to a single row/column.
func (e *Elementwise) dataLoadSource(segment *Segment, cluster, unit int, buffer Buffer, source int) DMADescriptor {
	lmOffset := uint32(int(buffer) * (e.arch.LMSize / 2))

	dma := DMADescriptor{
		Dir:     bif.DirE2L2D,
		Cluster: cluster,
		Unit:    unit,
		XSize:   e.Seg.In.W,
		YSize:   e.Seg.In.H,
		LMAddr:  lmOffset + uint32(source*e.Seg.In.W*e.Seg.In.H),
	}
	if e.bcX(source) {
		dma.XSize = 1
	}
	if e.bcY(source) {
		dma.YSize = 1
	}
	e.paddedSegmentToDma(segment, &dma, source)
	return dma
}

func (e *Elementwise) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D, dmas2D []DMADescriptor

	cl, un, ln := 0, 0, 0
	for i := 0; i < e.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			dmas2D = append(dmas2D, e.dataLoadSource(segment, cl, un, buffer, 0))
			dmas2D = append(dmas2D, e.dataLoadSource(segment, cl, un, buffer, 1))
		}
		nextHardwareElement(e.arch, &cl, &un, &ln)
	}

	e.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

func (e *Elementwise) computeWith(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer, op bif.VPROType) error {
	segment := segments[segCnt]
	if segment.Dummy {
		return layerError(e.self, ErrCapacity, "elementwise set starts with a dummy segment")
	}

	var memLayout bif.CommandVPRO
	memLayout.LaneMask = 1 // pooling, activation and shift_store apply to L0 only
	memLayout.XEnd = uint16(e.Seg.Out.W - 1)
	memLayout.YEnd = uint16(e.Seg.Out.H - 1)
	memLayout.RFBase = 0
	memLayout.LMBase = uint32(int(buffer) * e.arch.LMSize / 2)

	memLayout.ShiftRight = e.StoreShiftRight
	memLayout.RFFracBits = e.RFFracBits

	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO = memLayout
	cmd.VPRO.Command = op
	cmd.VPRO.BroadcastMap = uint16(b2i(e.bcCh(1))<<5 | b2i(e.bcY(1))<<4 | b2i(e.bcX(1))<<3 |
		b2i(e.bcCh(0))<<2 | b2i(e.bcY(0))<<1 | b2i(e.bcX(0)))
	e.Commands = append(e.Commands, cmd)
	e.CmdCnt.VPRO++

	e.poolActivationVPRO(&memLayout)

	memLayout.ShiftRight = e.StoreShiftRight
	e.Commands = append(e.Commands, e.shiftStoreVPRO(&memLayout, storeBuffer))
	e.CmdCnt.VPRO++
	return nil
}

func (e *Elementwise) GenerateCommands() error {
	e.rfRelu6Base = e.arch.RFDiscardAddr() - 1
	return runDoubleBuffer(e.self)
}

// Add is the elementwise addition.
type Add struct {
	Elementwise
}

func NewAdd(name string, number int) *Add {
	l := &Add{}
	l.initElwise(l)
	l.Name = name
	l.Number = number
	return l
}

func (a *Add) TypeName() string { return "Add" }

func (a *Add) LayerType() bif.LayerType { return bif.LTAdd }

func (a *Add) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	return a.computeWith(segments, segCnt, buffer, storeBuffer, bif.VOpAdd)
}

// Mul is the elementwise multiplication; the product is rescaled by a
// high-half shift.
type Mul struct {
	Elementwise

	MulhShiftRight int16
}

func NewMul(name string, number int) *Mul {
	l := &Mul{}
	l.initElwise(l)
	l.Name = name
	l.Number = number
	return l
}

func (m *Mul) TypeName() string { return "Mul" }

func (m *Mul) LayerType() bif.LayerType { return bif.LTMul }

func (m *Mul) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	return m.computeWith(segments, segCnt, buffer, storeBuffer, bif.VOpMul)
}

func (m *Mul) GenerateBifLayer(bl *bif.LayerHeader) {
	m.Elementwise.GenerateBifLayer(bl)
	bl.ConvResultShiftRight = int32(m.MulhShiftRight)
}
