package gen

import "fmt"

// GetSegment constructs the segment for one (x, y, in_ch, out_ch) seed.
func (b *LayerBase) GetSegment(x, y, inCh, outCh int) *Segment {
	segment := &Segment{
		XSeg:       x,
		YSeg:       y,
		OutChannel: outCh,
		InChannel:  inCh,

		// First input channel: bias needs to be loaded additionally.
		IsFirst: inCh == b.self.FirstInputChannel(x, y, outCh, 0),
		// Last input channel: store result to main memory.
		IsLast: inCh == b.self.LastInputChannel(x, y, outCh, 0),
	}

	// Main-memory address of the top-left (padded) segment corner, for all
	// inputs. Elements are 16 bit. Layers that do not iterate input
	// channels (elementwise) pass -1 and fix the addresses up themselves.
	addrCh := maxInt(inCh, 0)
	for srcIdx := range b.SrcLayers {
		base := b.PaddedInMMBase(srcIdx, addrCh) +
			uint32(2*(x*b.Seg.In.XStride+y*b.Seg.In.YStride*b.InDim(srcIdx).MM.X))
		segment.InMMBase = append(segment.InMMBase, base)
		segment.InMMYStride = append(segment.InMMYStride, int32(b.InDim(srcIdx).MM.X))
	}

	// Main-memory address of the segment result.
	segment.OutMMBase = b.OutDim.MM.ChannelBase[outCh] +
		uint32(2*(x*b.Seg.Out.XStride+y*b.Seg.Out.YStride*b.OutDim.MM.X))
	segment.OutMMYStride = int32(b.OutDim.MM.X)

	if b.Padding.Enabled {
		// Padding widths remaining for this segment position. Partial
		// padding (a segment covering only part of a pad edge) is an
		// addressing invariant violation, checked in GenerateSegments.
		top := maxInt(0, int(b.Padding.DMA.Top)-y*b.Seg.In.YStride)
		right := maxInt(0, int(b.Padding.DMA.Right)-(b.Seg.Num.X-1-x)*b.Seg.In.XStride)
		bottom := maxInt(0, int(b.Padding.DMA.Bottom)-(b.Seg.Num.Y-1-y)*b.Seg.In.YStride)
		left := maxInt(0, int(b.Padding.DMA.Left)-x*b.Seg.In.XStride)

		segment.PadTop = top > 0
		segment.PadRight = right > 0
		segment.PadBottom = bottom > 0
		segment.PadLeft = left > 0
	}

	return segment
}

// checkSegmentPadWidths asserts that padding never straddles two segments
// (e.g. padding > seg.in.stride).
func (b *LayerBase) checkSegmentPadWidths(x, y int) error {
	if !b.Padding.Enabled {
		return nil
	}
	top := maxInt(0, int(b.Padding.DMA.Top)-y*b.Seg.In.YStride)
	right := maxInt(0, int(b.Padding.DMA.Right)-(b.Seg.Num.X-1-x)*b.Seg.In.XStride)
	bottom := maxInt(0, int(b.Padding.DMA.Bottom)-(b.Seg.Num.Y-1-y)*b.Seg.In.YStride)
	left := maxInt(0, int(b.Padding.DMA.Left)-x*b.Seg.In.XStride)
	if (top != 0 && top != int(b.Padding.DMA.Top)) ||
		(right != 0 && right != int(b.Padding.DMA.Right)) ||
		(bottom != 0 && bottom != int(b.Padding.DMA.Bottom)) ||
		(left != 0 && left != int(b.Padding.DMA.Left)) {
		return layerError(b.self, ErrCapacity,
			"partial padding at segment (%d, %d): trbl %d/%d/%d/%d vs dma %d/%d/%d/%d",
			x, y, top, right, bottom, left,
			b.Padding.DMA.Top, b.Padding.DMA.Right, b.Padding.DMA.Bottom, b.Padding.DMA.Left)
	}
	return nil
}

// CompatibleSegmentsBlock reports whether two segments can be placed into
// the same unit: lanes of a unit share local memory, so they must require
// identical inputs and pad flags.
func (b *LayerBase) CompatibleSegmentsBlock(a, s *Segment, lane, laneOutCh int) bool {
	if lane%b.arch.Lanes == 0 && laneOutCh == 0 {
		return true // first location has no dependencies
	}
	if a == nil || s == nil {
		return true
	}
	if a.Dummy || s.Dummy {
		return true // dummy segments compatible to everything
	}

	if len(a.InMMBase) != len(s.InMMBase) {
		return false
	}
	for ch := range a.InMMBase {
		if a.InMMBase[ch] != s.InMMBase[ch] || a.InMMYStride[ch] != s.InMMYStride[ch] {
			return false
		}
	}
	if a.PadTop != s.PadTop || a.PadRight != s.PadRight ||
		a.PadBottom != s.PadBottom || a.PadLeft != s.PadLeft {
		return false
	}
	return true
}

// GenerateSegments distributes segments to the lanes:
//   - creates a batch of segments for each lane,
//   - inserts dummy segments so all lanes receive batches of equal length,
//   - produces the flattened layout
//     seg 0 lane 0, seg 0 lane 1, ..., seg 0 lane n-1, seg 1 lane 0, ...
func (b *LayerBase) GenerateSegments() error {
	if b.ParallelInchannelsPerLane != 1 {
		return layerError(b.self, ErrCapacity, "parallel input channels per lane not supported")
	}
	if !b.OutDim.MM.LayoutKnown {
		return layerError(b.self, ErrMemoryOverflow, "output memory layout unknown; call SetOutputMMAddr first")
	}
	for _, sl := range b.SrcLayers {
		if !sl.Base().OutDim.MM.LayoutKnown {
			return layerError(b.self, ErrMemoryOverflow, "input layer %s has no memory layout yet", sl.FullName())
		}
	}

	parallelLanes := b.arch.ParallelLanes()
	n := b.ParallelOutchannelsPerLane

	// Seed order: same input channel, preferred same block, different
	// output channels; input channels loop once all lanes have a segment.
	var seedQueue []*Segment
	push := func(x, y, outCh int) error {
		if err := b.checkSegmentPadWidths(x, y); err != nil {
			return err
		}
		seedQueue = append(seedQueue, b.self.GetSegment(x, y, b.self.FirstInputChannel(x, y, outCh, 0), outCh))
		return nil
	}

	switch b.Cfg.SchedulingOrder {
	case IterateSortedX:
		for cStart := 0; cStart < b.OutDim.Ch; cStart += n * parallelLanes {
			for x := 0; x < b.Seg.Num.X; x++ {
				for y := 0; y < b.Seg.Num.Y; y++ {
					for outCh := cStart; outCh < cStart+n*parallelLanes && outCh < b.OutDim.Ch; outCh++ {
						if err := push(x, y, outCh); err != nil {
							return err
						}
					}
				}
			}
		}
	case IterateSortedX2:
		for cStart := 0; cStart < b.OutDim.Ch; cStart += n * b.arch.Lanes {
			for x := 0; x < b.Seg.Num.X; x++ {
				for y := 0; y < b.Seg.Num.Y; y++ {
					for outCh := cStart; outCh < cStart+n*b.arch.Lanes && outCh < b.OutDim.Ch; outCh++ {
						if err := push(x, y, outCh); err != nil {
							return err
						}
					}
				}
			}
		}
	default:
		for y := 0; y < b.Seg.Num.Y; y++ {
			for x := 0; x < b.Seg.Num.X; x++ {
				for outCh := 0; outCh < b.OutDim.Ch; outCh++ {
					if err := push(x, y, outCh); err != nil {
						return err
					}
				}
			}
		}
	}

	b.Segments = make([]*Segment, 0, b.Seg.Num.X*b.Seg.Num.Y*b.OutDim.Ch*b.InDim(0).Ch)
	appendedSegs, appendedDummies := 0, 0

	head := 0
	for head < len(seedQueue) {
		// New set for all lanes.
		set := make([]*Segment, 0, parallelLanes*n)

		fillWithDummies := false // only for parallel out channels per lane > 1
		for lane := 0; lane < parallelLanes; lane++ {
			if lane%b.arch.Lanes == 0 { // next unit: new local memory
				fillWithDummies = false
			}
			for iter := 0; iter < n; iter++ {
				var last *Segment
				if len(set) > 0 {
					last = set[len(set)-1]
				}
				if head == len(seedQueue) || fillWithDummies ||
					!b.self.CompatibleSegmentsBlock(seedQueue[head], last, lane, iter) {
					set = append(set, NewDummySegment(last))
					fillWithDummies = true
					continue
				}
				set = append(set, seedQueue[head])
				head++
			}
		}
		if err := b.insertRepeatedSegmentSetForAllInChannels(set, &appendedSegs, &appendedDummies); err != nil {
			return err
		}
	}

	if len(b.Segments)%parallelLanes != 0 || len(b.Segments) != appendedSegs+appendedDummies {
		return layerError(b.self, ErrCapacity,
			"generated %d segments (%d dummies + %d) (seg.num %dx%d, in ch %d, out ch %d)",
			len(b.Segments), appendedDummies, appendedSegs,
			b.Seg.Num.X, b.Seg.Num.Y, b.InDim(0).Ch, b.OutDim.Ch)
	}
	return nil
}

// insertRepeatedSegmentSetForAllInChannels repeats one assembled set once
// per accumulation step until every non-dummy segment has iterated through
// all its input channels. Only the first repetition is marked first; a set
// may not mix stopping and continuing non-dummy segments.
func (b *LayerBase) insertRepeatedSegmentSetForAllInChannels(set []*Segment, appendedSegs, appendedDummies *int) error {
	numSets := 0
	for {
		contRequests := 0
		stopRequests := 0
		for _, s := range set {
			if s.Dummy {
				*appendedDummies++
				b.Segments = append(b.Segments, NewDummySegment(nil))
				continue
			}
			newSeg := b.self.GetSegment(s.XSeg, s.YSeg, s.InChannel, s.OutChannel)
			s.InChannel = b.self.NextInputChannel(s.XSeg, s.YSeg, s.InChannel, s.OutChannel, 0)
			if numSets == 0 && !newSeg.IsFirst {
				return layerError(b.self, ErrCapacity, "first accumulation step lost its first flag")
			}
			if newSeg.IsLast != (s.InChannel < 0) {
				return layerError(b.self, ErrCapacity, "NextInputChannel and IsLast are inconsistent")
			}
			if newSeg.IsLast {
				stopRequests++
			} else {
				contRequests++
			}
			*appendedSegs++
			b.Segments = append(b.Segments, newSeg)
		}
		if contRequests != 0 && stopRequests != 0 {
			return layerError(b.self, ErrCapacity, "some non-dummy segments in this set are last, some are not")
		}
		numSets++
		if contRequests == 0 {
			return nil
		}
	}
}

// nextHardwareElement advances a (cluster, unit, lane) walk in lane-major
// order.
func nextHardwareElement(a Arch, cluster, unit, lane *int) {
	*lane++
	if *lane == a.Lanes {
		*lane = 0
		*unit++
		if *unit == a.Units {
			*unit = 0
			*cluster++
			if *cluster == a.Clusters {
				*cluster = 0
			}
		}
	}
}

// segmentPosition decodes a flattened segment index for debug output.
func (b *LayerBase) segmentPosition(si int) string {
	a := b.arch
	n := b.ParallelOutchannelsPerLane
	set := si / (a.Clusters * a.Units * a.Lanes * n)
	cluster := si / (a.Units * a.Lanes * n) % a.Clusters
	unit := si / (a.Lanes * n) % a.Units
	lane := si / n % a.Lanes
	ch := si % n
	return fmt.Sprintf("s%2dc%du%dl%d.%2d", set, cluster, unit, lane, ch)
}
