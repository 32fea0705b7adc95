package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// MaxPool2D rides on the convolution machinery: the pooling window is
// treated as a kernel, each channel forms its own group, and the compute
// record carries the pooling op code instead of a multiply-accumulate.
type MaxPool2D struct {
	Conv2D
}

func NewMaxPool2D(name string, number int) *MaxPool2D {
	l := &MaxPool2D{}
	l.initConv(l)
	l.Name = name
	l.Number = number
	return l
}

func (p *MaxPool2D) TypeName() string { return "MaxPool2D" }

func (p *MaxPool2D) LayerType() bif.LayerType { return bif.LTMaxPool2D }

func (p *MaxPool2D) ProcessParams() error {
	p.Groups = p.OutDim.Ch // like depthwise

	if len(p.PoolSize) == 1 {
		p.PoolSize = []int{p.PoolSize[0], p.PoolSize[0]}
	}
	if len(p.PoolSize) != 2 {
		return layerError(p, ErrShape, "pool size must have 2 dimensions")
	}

	// Rewrite the pooling window as convolution parameters so the regular
	// conv segmentation applies.
	p.PoolType = NoPooling
	p.KernelLength = p.PoolSize[0]
	if len(p.PoolStride) == 0 {
		p.PoolStride = append([]int(nil), p.PoolSize...)
	}
	if p.PoolStride[0] != p.PoolStride[1] || p.PoolSize[0] != p.PoolSize[1] {
		return layerError(p, ErrShape, "only square pooling supported")
	}
	p.Stride = p.PoolStride[0]
	p.PaddingMode = p.PoolPaddingMode

	p.PoolStride = []int{1, 1}
	p.PoolSize = []int{1, 1}

	return p.Conv2D.ProcessParams()
}

func (p *MaxPool2D) ExpectedWeightCount() int { return 0 }

func (p *MaxPool2D) ComputeDmaPadding() {
	p.LayerBase.ComputeDmaPadding()
	p.Padding.DMA.Value = -32768 // pad pixels must lose every max comparison
}

func (p *MaxPool2D) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	before := len(p.Commands)
	if err := p.Conv.Compute(segments, segCnt, buffer, storeBuffer); err != nil {
		return err
	}
	// The accumulation record becomes a pooling record.
	if len(p.Commands) > before {
		p.Commands[before].VPRO.Command = bif.VOpMaxPool
	}
	return nil
}

// Load fetches input tiles only; pooling has no coefficients.
func (p *MaxPool2D) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D, dmas2D []DMADescriptor

	cl, un, ln := 0, 0, 0
	for i := 0; i < p.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy && ln == 0 {
			dmas2D = append(dmas2D, p.DataLoad(segment, cl, un, buffer, 0))
		}
		nextHardwareElement(p.arch, &cl, &un, &ln)
	}

	p.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

// AvgPool2D averages over the pooling window. The per-pixel divisor map is
// kept as a weight payload: border pixels of same-padded windows divide by
// fewer contributions.
type AvgPool2D struct {
	LayerBase

	PoolSize        []int
	PoolStride      []int
	PoolPaddingMode PaddingMode

	StoreShiftRight int16
	PoolAvgShiftR   int16
}

func NewAvgPool2D(name string, number int) *AvgPool2D {
	l := &AvgPool2D{}
	l.initBase(l)
	l.PoolPaddingMode = PadValid
	l.Name = name
	l.Number = number
	return l
}

func (p *AvgPool2D) TypeName() string { return "AvgPool2D" }

func (p *AvgPool2D) LayerType() bif.LayerType { return bif.LTAvgPool2D }

func (p *AvgPool2D) ProcessParams() error {
	if len(p.PoolSize) == 0 {
		p.PoolSize = []int{1}
	}
	if len(p.PoolSize) == 1 {
		p.PoolSize = []int{p.PoolSize[0], p.PoolSize[0]}
	}
	if len(p.PoolStride) == 0 {
		p.PoolStride = append([]int(nil), p.PoolSize...)
	}
	if len(p.PoolStride) == 1 {
		p.PoolStride = []int{p.PoolStride[0], p.PoolStride[0]}
	}
	if p.PoolSize[0] != p.PoolSize[1] || p.PoolStride[0] != p.PoolStride[1] {
		return layerError(p, ErrShape, "only square pooling supported")
	}
	if p.PoolSize[0] < 1 || p.PoolSize[0] > 7 {
		return layerError(p, ErrShape, "unsupported pooling size %d", p.PoolSize[0])
	}

	p.Groups = p.InDim(0).Ch
	return p.LayerBase.ProcessParams()
}

func (p *AvgPool2D) ComputeOutputDim() error {
	if len(p.SrcLayers) == 0 {
		return layerError(p, ErrShape, "can not compute output dim without src layers")
	}
	p.OutDim.Ch = p.InDim(0).Ch

	sub := 1
	if p.PoolPaddingMode == PadValid {
		sub = p.PoolSize[0]
	}
	p.OutDim.X = (p.InDim(0).X-sub)/p.PoolStride[0] + 1
	p.OutDim.Y = (p.InDim(0).Y-sub)/p.PoolStride[1] + 1
	return nil
}

func (p *AvgPool2D) ComputeInputPadding() {
	if p.PoolPaddingMode == PadSame {
		padX := (p.OutDim.X-1)*p.PoolStride[0] + p.PoolSize[0] - p.InDim(0).X
		padY := (p.OutDim.Y-1)*p.PoolStride[1] + p.PoolSize[1] - p.InDim(0).Y
		p.Padding.Algo.Left = int32(padX / 2)
		p.Padding.Algo.Right = int32(padX) - p.Padding.Algo.Left
		p.Padding.Algo.Top = int32(padY / 2)
		p.Padding.Algo.Bottom = int32(padY) - p.Padding.Algo.Top
	}
}

func (p *AvgPool2D) ExpectedWeightCount() int { return p.OutDim.X * p.OutDim.Y }

// GenerateWeights fills the divisor map: the Q15 reciprocal of the number
// of window pixels inside the image per output pixel.
func (p *AvgPool2D) GenerateWeights() {
	p.WeightsPacked = make([]int16, p.OutDim.X*p.OutDim.Y)
	for y := 0; y < p.OutDim.Y; y++ {
		for x := 0; x < p.OutDim.X; x++ {
			x0 := x*p.PoolStride[0] - int(p.Padding.Algo.Left)
			y0 := y*p.PoolStride[1] - int(p.Padding.Algo.Top)
			contributing := 0
			for wy := 0; wy < p.PoolSize[1]; wy++ {
				for wx := 0; wx < p.PoolSize[0]; wx++ {
					if x0+wx >= 0 && x0+wx < p.InDim(0).X && y0+wy >= 0 && y0+wy < p.InDim(0).Y {
						contributing++
					}
				}
			}
			p.WeightsPacked[y*p.OutDim.X+x] = int16((1 << 15) / contributing)
		}
	}
	p.WeightsLoaded = true
}

// KernelMMAddr indexes the divisor map laid out [y][x] over the output.
func (p *AvgPool2D) KernelMMAddr(x, y int) uint32 {
	return p.MMWeights + uint32(2*(y*p.OutDim.X+x))
}

// SetSegmentDimensions rates all output tiles that keep the pooling window
// and divisor map resident.
func (p *AvgPool2D) SetSegmentDimensions() error {
	rfFreeEntries := p.arch.RFDiscardAddr()
	lmFreeEntries := p.arch.LMSize / 4

	bestCost := -1
	var bestSeg SegDim

	maxSegOutW := minInt(minInt(p.arch.MaxXEnd(), rfFreeEntries), p.OutDim.X)
	for outW := 1; outW <= maxSegOutW; outW++ {
		p.Seg.In.W = p.PoolSize[0] + (outW-1)*p.PoolStride[0]
		if p.Seg.In.W > p.arch.MaxBeta() {
			break
		}
		if p.Seg.In.W%p.PoolSize[0] != 0 {
			continue
		}

		maxSegOutH := minInt(p.arch.MaxYEnd(), p.OutDim.Y)
		for outH := 1; outH <= maxSegOutH; outH++ {
			// The divisor map begins at RF[1] to avoid a read-after-write
			// on the first MAC output.
			sizeDivMap := outW*outH + 1
			if sizeDivMap > rfFreeEntries {
				break
			}
			p.Seg.In.H = p.PoolSize[1] + (outH-1)*p.PoolStride[1]
			if p.Seg.In.W*p.Seg.In.H+sizeDivMap > lmFreeEntries {
				break
			}
			if p.Seg.In.H%p.PoolSize[1] != 0 {
				continue
			}

			p.Seg.Out.W = outW
			p.Seg.Out.H = outH
			p.Seg.Num.X = ceilDiv(p.OutDim.X, outW)
			p.Seg.Num.Y = ceilDiv(p.OutDim.Y, outH)
			p.Seg.In.XStride = outW * p.PoolStride[0]
			p.Seg.In.YStride = outH * p.PoolStride[1]
			p.Seg.Out.XStride = outW
			p.Seg.Out.YStride = outH

			p.ComputeDmaPadding()
			var minSegInW int
			if p.Seg.Num.X < 2 {
				minSegInW = int(p.Padding.DMA.Left + p.Padding.DMA.Right)
			} else {
				minSegInW = maxInt(int(p.Padding.DMA.Left), int(p.Padding.DMA.Right))
			}
			if p.Seg.In.W < minSegInW {
				continue
			}
			var minSegInH int
			if p.Seg.Num.Y < 2 {
				minSegInH = int(p.Padding.DMA.Top + p.Padding.DMA.Bottom)
			} else {
				minSegInH = maxInt(int(p.Padding.DMA.Top), int(p.Padding.DMA.Bottom))
			}
			if p.Seg.In.H < minSegInH {
				continue
			}
			if int(p.Padding.DMA.Top) > p.Seg.In.YStride ||
				int(p.Padding.DMA.Right) > p.Seg.In.XStride ||
				int(p.Padding.DMA.Bottom) > p.Seg.In.YStride ||
				int(p.Padding.DMA.Left) > p.Seg.In.XStride {
				continue
			}

			unitUsages := p.Seg.Num.X * p.Seg.Num.Y * ceilDiv(p.OutDim.Ch, p.arch.Lanes) * p.arch.Lanes
			segArea := (outW*p.PoolStride[0] + 1) * (outH*p.PoolStride[1] + 1)
			cost := unitUsages * segArea

			if bestCost < 0 || cost < bestCost {
				bestCost = cost
				bestSeg = p.Seg
			}
		}
	}

	if bestCost < 0 {
		return layerError(p, ErrCapacity, "no possible segmentation found (out %dx%d, pool %d)", p.OutDim.X, p.OutDim.Y, p.PoolSize[0])
	}
	p.Seg = bestSeg
	return nil
}

// kernelLoad fetches the divisor-map tile of this segment.
func (p *AvgPool2D) kernelLoad(segment *Segment, cluster, unit, lane int, buffer Buffer) DMADescriptor {
	lmOffset := uint32(int(buffer) * (p.arch.LMSize / 2))

	return DMADescriptor{
		Dir:     bif.DirE2L2D,
		Cluster: cluster,
		Unit:    unit,
		LMAddr:  lmOffset + uint32(p.arch.LMSize/4-p.Seg.Out.W*p.Seg.Out.H*(lane+1)),
		XSize:   p.Seg.Out.W,
		YSize:   p.Seg.Out.H,
		YLeap:   p.OutDim.X - p.Seg.Out.W + 1,
		MMAddr:  uint64(p.KernelMMAddr(segment.XSeg*p.Seg.Out.W, segment.YSeg*p.Seg.Out.H)),
	}
}

func (p *AvgPool2D) dataLoadPerLane(segment *Segment, cluster, unit, lane int, buffer Buffer) DMADescriptor {
	lmOffset := uint32(int(buffer) * (p.arch.LMSize / 2))

	dma := DMADescriptor{
		Dir:     bif.DirE2L2D,
		Cluster: cluster,
		Unit:    unit,
		LMAddr:  lmOffset + uint32(p.Seg.In.W*p.Seg.In.H*lane),
		XSize:   p.Seg.In.W,
		YSize:   p.Seg.In.H,
	}
	p.paddedSegmentToDma(segment, &dma, 0)
	return dma
}

func (p *AvgPool2D) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D []DMADescriptor
	dmas2D := make([]DMADescriptor, 0, 2*p.arch.ParallelLanes())

	cl, un, ln := 0, 0, 0
	for i := 0; i < p.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			dmas2D = append(dmas2D, p.kernelLoad(segment, cl, un, ln, buffer))
			dmas2D = append(dmas2D, p.dataLoadPerLane(segment, cl, un, ln, buffer))
		}
		nextHardwareElement(p.arch, &cl, &un, &ln)
	}

	p.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

// Compute emits a single fused load-pool-store record broadcast to all
// lanes of the set.
func (p *AvgPool2D) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	segment := segments[segCnt]
	if segment.Dummy {
		// If the batch contains non-dummy segments, the 1st segment is no
		// dummy.
		return nil
	}

	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO.Command = bif.VOpAvgPool
	cmd.VPRO.Buffer = uint32(int(buffer) * p.arch.LMSize / 2) // load/pool side
	*storeBuffer = storeBuffer.other()
	cmd.VPRO.LMBase = uint32(int(*storeBuffer)*p.arch.LMSize/2 + p.arch.LMSize/4) // store side
	cmd.VPRO.XEnd = uint16(p.Seg.Out.W)
	cmd.VPRO.YEnd = uint16(p.Seg.Out.H)
	cmd.VPRO.ShiftRight = p.PoolAvgShiftR

	cmd.VPRO.KernelLoadBufferL0 = uint32(int(buffer)*p.arch.LMSize/2 + p.arch.LMSize/4 - p.Seg.Out.W*p.Seg.Out.H*1)
	cmd.VPRO.KernelLoadBufferL1 = uint32(int(buffer)*p.arch.LMSize/2 + p.arch.LMSize/4 - p.Seg.Out.W*p.Seg.Out.H*2)

	p.Commands = append(p.Commands, cmd)
	p.CmdCnt.VPRO++
	return nil
}

func (p *AvgPool2D) GenerateBifLayer(bl *bif.LayerHeader) {
	p.LayerBase.GenerateBifLayer(bl)

	bl.PoolSizeW = int32(p.PoolSize[0])
	bl.PoolSizeH = int32(p.PoolSize[1])
	bl.PoolSizeCh = 1
	bl.PoolStrideW = int32(p.PoolStride[0])
	bl.PoolStrideH = int32(p.PoolStride[1])
	bl.PoolStrideCh = 1
	bl.Pad = p.Padding.DMA
	bl.Pad.Value = 0

	bl.StoreShiftRight = int32(p.StoreShiftRight)
	bl.PoolAvgShiftRight = int32(p.PoolAvgShiftR)
}
