package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Concatenate joins its sources along one axis. Only the channel axis is
// fully supported for multi-source code generation.
//
// Two modes: when every input shift is zero and all sources share the
// same memory geometry, the output aliases the source channels (no data
// moves, no commands). Otherwise each source tile is copied (optionally
// right-shifted) into the layer's own output region, scheduled at cluster
// granularity.
type Concatenate struct {
	LayerBase

	Axis          int
	InShiftsRight []int16 // one per source

	ocToIcMap  []int
	ocToSrcMap []int
	segToSrc   []int
}

func NewConcatenate(name string, number int) *Concatenate {
	l := &Concatenate{}
	l.initBase(l)
	l.Axis = 2
	l.Name = name
	l.Number = number
	return l
}

func (c *Concatenate) TypeName() string { return "Concatenate" }

func (c *Concatenate) LayerType() bif.LayerType { return bif.LTConcatenate }

func (c *Concatenate) ComputeOutputDim() error {
	if len(c.SrcLayers) == 0 {
		return layerError(c, ErrShape, "can not compute output dim without src layers")
	}
	switch c.Axis {
	case 2, 3:
		c.OutDim.X = c.InDim(0).X
		c.OutDim.Y = c.InDim(0).Y
		ch := 0
		for srcIdx := range c.SrcLayers {
			ch += c.InDim(srcIdx).Ch
		}
		c.OutDim.Ch = ch
	default:
		return layerError(c, ErrShape, "concat axis %d not implemented", c.Axis)
	}
	return nil
}

func (c *Concatenate) ProcessParams() error {
	if err := c.LayerBase.ProcessParams(); err != nil {
		return err
	}
	for srcIdx := range c.SrcLayers {
		if c.InDim(srcIdx).X != c.InDim(0).X || c.InDim(srcIdx).Y != c.InDim(0).Y {
			return layerError(c, ErrShape, "concat(axis=2): spatial dims of input %d do not match", srcIdx)
		}
	}
	if len(c.InShiftsRight) == 0 {
		c.InShiftsRight = make([]int16, len(c.SrcLayers))
	}
	if len(c.InShiftsRight) != len(c.SrcLayers) {
		return layerError(c, ErrShape, "need one input shift per source")
	}

	c.ocToIcMap = c.ocToIcMap[:0]
	c.ocToSrcMap = c.ocToSrcMap[:0]
	for srcIdx := range c.SrcLayers {
		for ic := 0; ic < c.InDim(srcIdx).Ch; ic++ {
			c.ocToIcMap = append(c.ocToIcMap, ic)
			c.ocToSrcMap = append(c.ocToSrcMap, srcIdx)
		}
	}

	return nil
}

// aliases reports whether the output can reference the source channels in
// place.
func (c *Concatenate) aliases() bool {
	for _, s := range c.InShiftsRight {
		if s != 0 {
			return false
		}
	}
	for srcIdx := range c.SrcLayers {
		in := c.InDim(srcIdx)
		if in.MM.X != c.InDim(0).MM.X || in.MM.Y != c.InDim(0).MM.Y {
			return false
		}
	}
	return true
}

func (c *Concatenate) OutputMMSize() uint32 {
	if c.aliases() {
		return 0
	}
	return c.LayerBase.OutputMMSize()
}

func (c *Concatenate) SetOutputMMAddr(addr uint32) error {
	if !c.aliases() {
		return c.LayerBase.SetOutputMMAddr(addr)
	}

	// Alias mode: assemble the channel base table from the sources; the
	// concatenated tensor never exists as one contiguous block and the
	// layer drops out of the execution list.
	c.ProducesBinaryData = false
	if err := c.self.SetSegmentDimensions(); err != nil {
		return err
	}
	if c.Seg.In.XStride == strideUnset {
		c.Seg.In.XStride = c.Seg.In.W
	}
	if c.Seg.In.YStride == strideUnset {
		c.Seg.In.YStride = c.Seg.In.H
	}
	if c.Seg.Out.XStride == strideUnset {
		c.Seg.Out.XStride = c.Seg.Out.W
	}
	if c.Seg.Out.YStride == strideUnset {
		c.Seg.Out.YStride = c.Seg.Out.H
	}

	c.OutDim.MM.X = c.InDim(0).MM.X
	c.OutDim.MM.Y = c.InDim(0).MM.Y
	c.OutDim.MM.Base = c.InDim(0).MM.Base
	c.OutDim.MM.ChSize = c.InDim(0).MM.ChSize
	c.OutDim.MM.Size = 0

	c.OutDim.MM.ChannelBase = make([]uint32, 0, c.OutDim.Ch)
	for srcIdx := range c.SrcLayers {
		c.OutDim.MM.ChannelBase = append(c.OutDim.MM.ChannelBase, c.InDim(srcIdx).MM.ChannelBase...)
	}

	c.OutDim.MM.LayoutKnown = true
	return nil
}

func (c *Concatenate) SetSegmentDimensions() error {
	rfFreeEntries := c.arch.RFDiscardAddr()

	lmFreeEntries := c.arch.LMSize / 4
	lmInSegMax := 1
	for lmInSegMax*lmInSegMax <= lmFreeEntries {
		lmInSegMax++
	}
	lmInSegMax--
	lmInSegMax = minInt(31, lmInSegMax)

	rfOutSegMax := lmInSegMax
	for rfOutSegMax*rfOutSegMax > rfFreeEntries {
		rfOutSegMax--
	}
	rfOutSegMax = minInt(rfOutSegMax, 32)

	c.Seg.Num.X = maxInt(ceilDiv(c.OutDim.X, rfOutSegMax), ceilDiv(c.InDim(0).X, lmInSegMax))
	c.Seg.Num.Y = maxInt(ceilDiv(c.OutDim.Y, rfOutSegMax), ceilDiv(c.InDim(0).Y, lmInSegMax))

	c.Seg.Out.W = ceilDiv(c.OutDim.X, c.Seg.Num.X)
	c.Seg.Out.H = ceilDiv(c.OutDim.Y, c.Seg.Num.Y)
	c.Seg.In.W = c.Seg.Out.W
	c.Seg.In.H = c.Seg.Out.H
	return nil
}

func (c *Concatenate) GetSegment(x, y, inCh, outCh int) *Segment {
	srcLayer := c.ocToSrcMap[outCh]

	segment := &Segment{
		XSeg:       x,
		YSeg:       y,
		OutChannel: outCh,
		InChannel:  inCh,

		InMMBase: []uint32{c.InDim(srcLayer).MM.ChannelBase[inCh] +
			uint32(2*(x*c.Seg.In.W+y*c.Seg.In.H*c.InDim(srcLayer).MM.X))},
		InMMYStride: []int32{int32(c.InDim(srcLayer).MM.X)},
	}

	segment.OutMMBase = c.OutDim.MM.ChannelBase[outCh] +
		uint32(2*(x*c.Seg.Out.XStride+y*c.Seg.Out.YStride*c.OutDim.MM.X))
	segment.OutMMYStride = int32(c.OutDim.MM.X)

	segment.IsFirst = x == 0 && y == 0 && inCh == 0
	segment.IsLast = c.Axis == 2 &&
		x == c.Seg.Num.X-1 && y == c.Seg.Num.Y-1 && inCh == c.InDim(srcLayer).Ch-1
	return segment
}

// GenerateSegments assigns segments cyclically to clusters; one set spans
// the clusters, not the lanes (the copy is pure DMA work).
func (c *Concatenate) GenerateSegments() error {
	if c.aliases() {
		return nil
	}
	if !c.OutDim.MM.LayoutKnown {
		return layerError(c, ErrMemoryOverflow, "output memory layout unknown")
	}
	for _, sl := range c.SrcLayers {
		if !sl.Base().OutDim.MM.LayoutKnown {
			return layerError(c, ErrMemoryOverflow, "input layer %s has no memory layout yet", sl.FullName())
		}
	}

	clusters := c.arch.Clusters
	batches := make([][]*Segment, clusters)
	cluster := 0
	appendedDummies := 0
	c.segToSrc = c.segToSrc[:0]
	c.Segments = c.Segments[:0]

	flush := func() {
		for s := 0; s < len(batches[0]); s++ {
			for b := range batches {
				c.Segments = append(c.Segments, batches[b][s])
			}
		}
		for b := range batches {
			batches[b] = nil
		}
		cluster = 0
	}

	for oc := 0; oc < c.OutDim.Ch; oc++ {
		for y := 0; y < c.Seg.Num.Y; y++ {
			for x := 0; x < c.Seg.Num.X; x++ {
				seg := c.GetSegment(x, y, c.ocToIcMap[oc], oc)
				batches[cluster] = append(batches[cluster], seg)
				cluster++
				c.segToSrc = append(c.segToSrc, c.ocToSrcMap[oc])

				// Pad the set with dummies when a source ends mid-set so a
				// common shift applies to the whole set.
				for seg.IsLast && cluster != 0 && cluster%clusters != 0 {
					n := len(batches[cluster-1])
					for i := 0; i < n; i++ {
						batches[cluster] = append(batches[cluster], NewDummySegment(seg))
						appendedDummies++
						c.segToSrc = append(c.segToSrc, c.ocToSrcMap[oc])
					}
					cluster++
				}

				if cluster != 0 && cluster%clusters == 0 {
					flush()
				}
			}
		}
	}

	expected := c.Seg.Num.X*c.Seg.Num.Y*c.OutDim.Ch + appendedDummies
	if len(c.Segments) != expected {
		return layerError(c, ErrCapacity, "generated %d segments (%d dummies), expected %d", len(c.Segments), appendedDummies, expected)
	}
	return nil
}

func (c *Concatenate) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	var dmas1D, dmas2D []DMADescriptor

	for cl := 0; cl < c.arch.Clusters; cl++ {
		segment := segments[cl+segCnt]
		if !segment.Dummy {
			dmas2D = append(dmas2D, c.DataLoad(segment, cl, 0, buffer, 0))
		}
	}

	c.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

// concatCompute emits the shift copy through the vector lanes; sources
// without a shift bypass compute entirely.
func (c *Concatenate) concatCompute(segments []*Segment, segCnt int, buffer Buffer) bool {
	segment := segments[segCnt]
	if segment.Dummy {
		return false
	}
	srcLayer := c.segToSrc[segCnt]
	if c.InShiftsRight[srcLayer] == 0 {
		return false
	}

	c.CmdCnt.VPRO++
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO.Command = bif.VOpShiftStore
	cmd.VPRO.Buffer = uint32(int(buffer) * c.arch.LMSize / 2)                      // input
	cmd.VPRO.LMBase = uint32(int(buffer)*c.arch.LMSize/2 + c.arch.LMSize/4)        // store to the DMA-visible region
	cmd.VPRO.XEnd = uint16(c.Seg.Out.W - 1)
	cmd.VPRO.YEnd = uint16(c.Seg.Out.H - 1)
	cmd.VPRO.ShiftRight = c.InShiftsRight[srcLayer]
	c.Commands = append(c.Commands, cmd)
	return true
}

func (c *Concatenate) concatStore(segments []*Segment, segCnt int, buffer Buffer, isProcessed bool) error {
	for cl := 0; cl < c.arch.Clusters; cl++ {
		segment := segments[cl+segCnt]
		if !segment.Dummy {
			c.CmdCnt.DMA++
			cmd, err := c.DataStore(segment, cl, 0, 0, buffer)
			if err != nil {
				return err
			}
			if !isProcessed {
				// Unshifted data never went through the lanes; store from
				// the load region directly.
				cmd.DMA.LMAddr -= uint32(c.arch.LMSize / 4)
			}
			c.Commands = append(c.Commands, cmd)
		}
	}
	return nil
}

// GenerateCommands schedules the copy at cluster granularity with the
// load/compute/store cadence of the generic driver.
func (c *Concatenate) GenerateCommands() error {
	c.CmdCnt = CmdCount{}
	c.Commands = c.Commands[:0]
	if c.aliases() {
		return nil
	}

	bufferLoad, bufferCalc := BufA, BufA
	for cur := 0; cur < len(c.Segments); cur += c.arch.Clusters {
		if err := c.Load(c.Segments, cur, bufferLoad); err != nil {
			return err
		}
		c.pushDMAWait()

		isProcessed := c.concatCompute(c.Segments, cur, bufferCalc)
		c.pushVPROSync()
		if err := c.concatStore(c.Segments, cur, bufferCalc, isProcessed); err != nil {
			return err
		}

		bufferLoad = bufferLoad.other()
		bufferCalc = bufferCalc.other()
	}
	c.pushDMAWait()
	return nil
}

func (c *Concatenate) GenerateBifLayer(bl *bif.LayerHeader) {
	c.LayerBase.GenerateBifLayer(bl)
	bl.Axis = int32(c.Axis)
}
