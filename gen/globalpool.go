package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// globalPool is the shared base of the global reductions: the whole
// feature map collapses to one value per channel. Segments accumulate
// partial results; intermediate 48-bit sums are parked in a scratch area
// behind the payload channels.
type globalPool struct {
	LayerBase

	PreShiftRight   int16
	Multiplier      int16
	StoreShiftRight int16
	PoolAvgShiftR   int16

	lanesPerCh int
	setsPerCh  int
}

func (g *globalPool) initGlobal(self Layer) {
	g.initBase(self)
}

func (g *globalPool) ProcessParams() error {
	g.Groups = g.InDim(0).Ch
	return g.LayerBase.ProcessParams()
}

func (g *globalPool) ComputeOutputDim() error {
	if len(g.SrcLayers) == 0 {
		return layerError(g.self, ErrShape, "can not compute output dim without src layers")
	}
	g.OutDim.X = 1
	g.OutDim.Y = 1
	g.OutDim.Ch = g.InDim(0).Ch
	return nil
}

func (g *globalPool) SetOutputMemDimensions() {
	// Segments produce intermediate data in MM; payload output is one
	// element per channel.
	g.OutDim.MM.X = 1
	g.OutDim.MM.Y = 1
}

func (g *globalPool) CalcOutputMemLayout() {
	g.LayerBase.CalcOutputMemLayout()

	// Reserve additional space for intermediate results: at most all
	// units used, one lane per unit, 48-bit intermediate per unit.
	intermediateChSize := uint32(3 * 2 * g.arch.Clusters * g.arch.Units)

	base := make([]uint32, 2*g.OutDim.Ch)
	copy(base, g.OutDim.MM.ChannelBase)
	base[g.OutDim.Ch] = base[g.OutDim.Ch-1] + g.OutDim.MM.ChSize
	for oc := g.OutDim.Ch + 1; oc < 2*g.OutDim.Ch; oc++ {
		base[oc] = base[oc-1] + intermediateChSize
	}
	g.OutDim.MM.ChannelBase = base
	g.OutDim.MM.Size += uint32(g.OutDim.Ch) * intermediateChSize
}

// factorize reports whether i splits into x*y*z within the 3D addressing
// limits; the gamma field additionally bounds x*y when z is used.
func (g *globalPool) factorize(i int) (x, y, z int, ok bool) {
	maxX := minInt(g.arch.MaxXEnd()+1, g.arch.MaxBeta())
	for z = 1; z <= g.arch.MaxZEnd(); z++ {
		if i%z != 0 {
			continue
		}
		xy := i / z
		for x = 1; x <= maxX; x++ {
			if xy%x != 0 {
				continue
			}
			y = xy / x
			if y > g.arch.MaxYEnd()+1 {
				continue
			}
			if z > 1 && x*y > g.arch.MaxGamma() {
				continue
			}
			return x, y, z, true
		}
	}
	return 0, 0, 0, false
}

// SetSegmentDimensions picks segments whose pixel count factorises into
// the 3D addressing fields, preferring few sets, then few DMAs, then
// small segments. Segment widths beyond the end fields are fine: only the
// total element count matters.
func (g *globalPool) SetSegmentDimensions() error {
	lmFreeEntries := g.arch.LMSize / 2

	type cand struct {
		seg        SegDim
		sets       int
		dmas       int
		segSize    int
		lanesPerCh int
		setsPerCh  int
	}
	var best cand
	bestValid := false

	// Only L0 of each unit is used.
	usableLanes := g.arch.Clusters * g.arch.Units
	for inW := minInt(lmFreeEntries, g.InDim(0).X+20); inW > 0; inW-- {
		g.Seg.In.W = inW
		g.Seg.Num.X = ceilDiv(g.InDim(0).X, inW)
		for inH := minInt(lmFreeEntries/inW, g.InDim(0).Y+20); inH > 0; inH-- {
			g.Seg.In.H = inH
			segSize := inW * inH
			if _, _, _, ok := g.factorize(segSize); !ok {
				continue
			}
			g.Seg.Num.Y = ceilDiv(g.InDim(0).Y, inH)
			numSegs := g.Seg.Num.X * g.Seg.Num.Y

			// Whole channel sequentially mapped to one lane (saves DMAs of
			// partial sums).
			lanesPerCh := 1
			setsPerCh := numSegs
			sets := setsPerCh * ceilDiv(g.InDim(0).Ch, usableLanes)

			dmas := g.InDim(0).Ch * numSegs
			if !bestValid || sets < best.sets ||
				(sets == best.sets && (dmas < best.dmas || (dmas == best.dmas && segSize < best.segSize))) {
				best = cand{seg: g.Seg, sets: sets, dmas: dmas, segSize: segSize, lanesPerCh: lanesPerCh, setsPerCh: setsPerCh}
				bestValid = true
			}
		}
	}

	if !bestValid {
		return layerError(g.self, ErrCapacity, "no valid segmentation found (in %dx%d)", g.InDim(0).X, g.InDim(0).Y)
	}

	g.Seg = best.seg
	g.lanesPerCh = best.lanesPerCh
	g.setsPerCh = best.setsPerCh

	if g.lanesPerCh == 1 {
		g.Seg.Out.W = 1 // 16-bit end result, no intermediate written to LM
	} else {
		g.Seg.Out.W = 3 // 48-bit intermediate result
	}
	g.Seg.Out.H = 1
	g.Seg.Out.XStride = 0
	g.Seg.Out.YStride = 0
	return nil
}

// GenerateSegments maps each channel's segment chain to one lane (L0 of a
// unit); all other slots hold dummies.
func (g *globalPool) GenerateSegments() error {
	if !g.OutDim.MM.LayoutKnown {
		return layerError(g.self, ErrMemoryOverflow, "output memory layout unknown; call SetOutputMMAddr first")
	}

	usableLanes := g.arch.Clusters * g.arch.Units
	sets := g.setsPerCh * ceilDiv(g.InDim(0).Ch, usableLanes)
	parallelLanes := g.arch.ParallelLanes()

	g.Segments = make([]*Segment, sets*parallelLanes)
	for i := range g.Segments {
		g.Segments[i] = NewDummySegment(nil)
	}

	for outCh := 0; outCh < g.OutDim.Ch; outCh++ {
		baseSet := (outCh / usableLanes) * g.setsPerCh
		for y := 0; y < g.Seg.Num.Y; y++ {
			for x := 0; x < g.Seg.Num.X; x++ {
				s := g.GetSegment(x, y, outCh, outCh)
				s.IsFirst = x == 0 && y == 0
				s.IsLast = x+1 == g.Seg.Num.X && y+1 == g.Seg.Num.Y
				set := baseSet + y*g.Seg.Num.X + x
				lane := (outCh % usableLanes) * g.arch.Lanes
				g.Segments[set*parallelLanes+lane] = s
			}
		}
	}
	return nil
}

func (g *globalPool) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D []DMADescriptor
	dmas2D := make([]DMADescriptor, 0, g.arch.ParallelLanes())

	cl, un, ln := 0, 0, 0
	for i := 0; i < g.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			if ln != 0 {
				return layerError(g.self, ErrCapacity, "global pooling maps work to L0 only")
			}
			dmas2D = append(dmas2D, g.DataLoad(segment, cl, un, buffer, 0))
		}
		nextHardwareElement(g.arch, &cl, &un, &ln)
	}

	g.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

// accumulateCompute is shared by the avg and max reductions; finalize
// emits the per-channel second pass.
func (g *globalPool) accumulateCompute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer,
	opStart, opAdd bif.VPROType, finalize func(storeBuffer *Buffer) bif.CommandSegment) error {

	setLen := g.arch.ParallelLanes()

	si := segCnt
	for segments[si].Dummy {
		si++
		if si >= segCnt+setLen {
			return nil // set without work (trailing dummies only)
		}
	}
	segment := segments[si]

	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	if segment.IsFirst {
		cmd.VPRO.Command = opStart
	} else {
		cmd.VPRO.Command = opAdd
	}
	cmd.VPRO.LaneMask = 1 // L0 only
	cmd.VPRO.LMBase = uint32(int(buffer) * g.arch.LMSize / 2)
	x, y, z, ok := g.factorize(g.Seg.In.W * g.Seg.In.H)
	if !ok {
		return layerError(g.self, ErrCapacity, "segment size %d lost its factorisation", g.Seg.In.W*g.Seg.In.H)
	}
	cmd.VPRO.XEnd = uint16(x - 1)
	cmd.VPRO.YEnd = uint16(y - 1)
	cmd.VPRO.ZEnd = uint16(z - 1)

	g.Commands = append(g.Commands, cmd)
	g.CmdCnt.VPRO++

	if segment.IsLast {
		// One finalisation record per channel that completed in this set.
		for i := segCnt; i < segCnt+setLen; i++ {
			if !segments[i].Dummy && segments[i].IsLast {
				g.Commands = append(g.Commands, finalize(storeBuffer))
				g.CmdCnt.VPRO++
			}
		}
	}
	return nil
}

// GlobalAvgPool2D averages the whole feature map per channel: a per-tile
// accumulate pass over 48-bit partial sums and a per-channel divide.
type GlobalAvgPool2D struct {
	globalPool
}

func NewGlobalAvgPool2D(name string, number int) *GlobalAvgPool2D {
	l := &GlobalAvgPool2D{}
	l.initGlobal(l)
	l.Name = name
	l.Number = number
	return l
}

func (g *GlobalAvgPool2D) TypeName() string { return "GlobalAvgPool2D" }

func (g *GlobalAvgPool2D) LayerType() bif.LayerType { return bif.LTGlobalAvgPool2D }

func (g *GlobalAvgPool2D) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	return g.accumulateCompute(segments, segCnt, buffer, storeBuffer,
		bif.VOpGlobalAvgPool2DStart, bif.VOpGlobalAvgPool2DAdd,
		func(storeBuffer *Buffer) bif.CommandSegment {
			cmd := bif.CommandSegment{Type: bif.CmdVPRO}
			cmd.VPRO.Command = bif.VOpGlobalAvgPool2DDivide
			*storeBuffer = storeBuffer.other()
			cmd.VPRO.LMBase = uint32(int(*storeBuffer)*g.arch.LMSize/2 + g.arch.LMSize/4)
			cmd.VPRO.PreShiftRight = g.PreShiftRight
			cmd.VPRO.Multiplier = g.Multiplier
			cmd.VPRO.ShiftRight = g.StoreShiftRight
			return cmd
		})
}

func (g *GlobalAvgPool2D) GenerateBifLayer(bl *bif.LayerHeader) {
	g.LayerBase.GenerateBifLayer(bl)
	bl.PoolAvgShiftRight = int32(g.PoolAvgShiftR)
	bl.StoreShiftRight = int32(g.StoreShiftRight)
}

// GlobalMaxPool2D reduces the whole feature map to the per-channel
// maximum.
type GlobalMaxPool2D struct {
	globalPool
}

func NewGlobalMaxPool2D(name string, number int) *GlobalMaxPool2D {
	l := &GlobalMaxPool2D{}
	l.initGlobal(l)
	l.Name = name
	l.Number = number
	return l
}

func (g *GlobalMaxPool2D) TypeName() string { return "GlobalMaxPool2D" }

func (g *GlobalMaxPool2D) LayerType() bif.LayerType { return bif.LTGlobalMaxPool2D }

func (g *GlobalMaxPool2D) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	return g.accumulateCompute(segments, segCnt, buffer, storeBuffer,
		bif.VOpGlobalMaxPool2DStart, bif.VOpGlobalMaxPool2DAdd,
		func(storeBuffer *Buffer) bif.CommandSegment {
			cmd := bif.CommandSegment{Type: bif.CmdVPRO}
			cmd.VPRO.Command = bif.VOpGlobalMaxPool2DStore
			*storeBuffer = storeBuffer.other()
			cmd.VPRO.LMBase = uint32(int(*storeBuffer)*g.arch.LMSize/2 + g.arch.LMSize/4)
			cmd.VPRO.ShiftRight = g.StoreShiftRight
			return cmd
		})
}

func (g *GlobalMaxPool2D) GenerateBifLayer(bl *bif.LayerHeader) {
	g.LayerBase.GenerateBifLayer(bl)
	bl.StoreShiftRight = int32(g.StoreShiftRight)
}
