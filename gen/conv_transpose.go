package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Conv2DTranspose upsamples by a strided transposed convolution. Padding
// decomposes into whole-pixel and sub-pixel (< stride) components; the
// sub-pixel part is carried to the runtime in the LAYER record.
type Conv2DTranspose struct {
	Conv2D

	SubpixelPadding bif.PadReduced // offset sub-pixel padding for stride
	OutPadding      bif.PadReduced // cropped from the convolution output

	InputPixelsW int // actual input pixels per segment
	InputPixelsH int
}

func NewConv2DTranspose(name string, number int) *Conv2DTranspose {
	l := &Conv2DTranspose{}
	l.initConv(l)
	l.Name = name
	l.Number = number
	return l
}

func (c *Conv2DTranspose) TypeName() string { return "Conv2DTranspose" }

func (c *Conv2DTranspose) LayerType() bif.LayerType { return bif.LTConv2Transpose }

func (c *Conv2DTranspose) ComputeOutputDim() error {
	if c.Stride <= 1 {
		return layerError(c, ErrShape, "not designed for stride 1; use Conv2D instead")
	}
	if c.KernelLength < c.Stride {
		// Some output pixels would not depend on any input.
		return layerError(c, ErrShape, "kernel %d smaller than stride %d", c.KernelLength, c.Stride)
	}
	if !c.PreZP.Zero() {
		return layerError(c, ErrShape, "fused zero padding not implemented for transposed conv")
	}

	if c.PaddingMode == PadValid {
		c.convOutDim.X = c.InDim(0).X*c.Stride + c.KernelLength - c.Stride
		c.convOutDim.Y = c.InDim(0).Y*c.Stride + c.KernelLength - c.Stride
	} else {
		c.convOutDim.X = c.InDim(0).X * c.Stride
		c.convOutDim.Y = c.InDim(0).Y * c.Stride
	}
	c.convOutDim.Ch = c.OutDim.Ch
	return nil
}

func (c *Conv2DTranspose) ComputeInputPadding() {
	var padX, padY int
	if c.PaddingMode == PadValid && c.KernelLength > 1 {
		// Sub-pixel units.
		padX = (c.KernelLength - 1) * 2
		padY = (c.KernelLength - 1) * 2
	} else {
		padX = c.KernelLength + c.Stride - 2
		padY = c.KernelLength + c.Stride - 2
	}

	// Whole pixels to be added around the input.
	c.Padding.Algo.Right = int32((padX / 2) / c.Stride)
	c.Padding.Algo.Left = int32((padX - padX/2) / c.Stride)
	c.Padding.Algo.Bottom = int32((padY / 2) / c.Stride)
	c.Padding.Algo.Top = int32((padY - padY/2) / c.Stride)

	// Sub-pixel remainder, applied after the padded whole pixels.
	c.SubpixelPadding.Right = int32((padX / 2) % c.Stride)
	c.SubpixelPadding.Left = int32((padX - padX/2) % c.Stride)
	c.SubpixelPadding.Bottom = int32((padY / 2) % c.Stride)
	c.SubpixelPadding.Top = int32((padY - padY/2) % c.Stride)

	// Crop the padded feature map from the convolution output.
	c.OutDim.X = c.convOutDim.X - int(c.OutPadding.Left) - int(c.OutPadding.Right)
	c.OutDim.Y = c.convOutDim.Y - int(c.OutPadding.Top) - int(c.OutPadding.Bottom)
}

// SetSegmentDimensions enumerates output tiles whose dimensions are
// integer multiples of the stride (lanes must share the input sub-pixel
// shift) and picks the one with the fewest unit usages, preferring square
// inputs.
func (c *Conv2DTranspose) SetSegmentDimensions() error {
	nWeights := c.KernelLength*c.KernelLength + b2i(c.UseBias)

	rfFreeEntries := c.arch.RFDiscardAddr() - nWeights
	if c.Activation == bif.Relu6 {
		rfFreeEntries--
	}
	lmFreeEntries := c.arch.LMSize/4 - c.arch.Lanes*nWeights

	bestCost := -1
	var bestSeg SegDim

	maxSegOutW := minInt(minInt(c.arch.MaxZEnd(), rfFreeEntries), c.convOutDim.X)
	for outW := 1; outW <= maxSegOutW; outW++ {
		// The kernel implementation assumes seg.out.w to be an integer
		// multiple of the stride.
		if outW%c.Stride != 0 {
			continue
		}
		if outW-1 > c.arch.MaxXEnd() {
			break
		}
		c.Seg.Out.W = outW
		c.Seg.In.W = ceilDiv(c.KernelLength+outW-1, c.Stride)
		if outW > c.arch.MaxBeta() {
			break
		}

		for outH := 1; outH <= c.convOutDim.Y; outH++ {
			if outW*outH > rfFreeEntries {
				break
			}
			if outH-1 > c.arch.MaxYEnd() {
				break
			}
			if outH%c.Stride != 0 {
				continue
			}
			c.Seg.Out.H = outH
			c.Seg.In.H = ceilDiv(c.KernelLength+outH-1, c.Stride)

			if c.Seg.In.W*c.Seg.In.H > lmFreeEntries {
				break
			}
			if outW*outH > lmFreeEntries {
				break
			}

			inPixelsH := ceilDiv(outH-1, c.Stride)
			// Maximum LM offsets for output and input line starts.
			if outW*c.Stride*(inPixelsH+1) > c.arch.MaxOffset() {
				break
			}
			if c.Seg.In.W*(inPixelsH+1) > c.arch.MaxOffset() {
				break
			}

			c.Seg.Num.X = ceilDiv(c.convOutDim.X, outW)
			c.Seg.Num.Y = ceilDiv(c.convOutDim.Y, outH)

			c.Seg.In.XStride = outW / c.Stride
			c.Seg.In.YStride = outH / c.Stride
			c.Seg.Out.XStride = outW
			c.Seg.Out.YStride = outH

			// Padding must fit into a single segment.
			c.ComputeDmaPadding()
			var minSegInW int
			if c.Seg.Num.X < 2 {
				minSegInW = int(c.Padding.DMA.Left + c.Padding.DMA.Right)
			} else {
				minSegInW = maxInt(int(c.Padding.DMA.Left), int(c.Padding.DMA.Right))
			}
			if c.Seg.In.W < minSegInW {
				continue
			}
			var minSegInH int
			if c.Seg.Num.Y < 2 {
				minSegInH = int(c.Padding.DMA.Top + c.Padding.DMA.Bottom)
			} else {
				minSegInH = maxInt(int(c.Padding.DMA.Top), int(c.Padding.DMA.Bottom))
			}
			if c.Seg.In.H < minSegInH {
				continue
			}
			if int(c.Padding.DMA.Top) > c.Seg.In.YStride ||
				int(c.Padding.DMA.Right) > c.Seg.In.XStride ||
				int(c.Padding.DMA.Bottom) > c.Seg.In.YStride ||
				int(c.Padding.DMA.Left) > c.Seg.In.XStride {
				continue
			}

			unitUsages := c.Seg.Num.X * c.Seg.Num.Y * ceilDiv(c.convOutDim.Ch, c.arch.Lanes) * c.arch.Lanes
			segArea := (outW*c.Stride + 1) * (outH*c.Stride + 1) // prefer square inputs
			cost := unitUsages * segArea

			if bestCost < 0 || cost <= bestCost {
				bestCost = cost
				bestSeg = c.Seg
			}
		}
	}

	if bestCost < 0 {
		return layerError(c, ErrCapacity, "no possible segmentation found (conv_out %dx%d)", c.convOutDim.X, c.convOutDim.Y)
	}

	c.Seg = bestSeg
	c.convSegW = c.Seg.Out.W
	c.convSegH = c.Seg.Out.H
	c.InputPixelsW = ceilDiv(c.Seg.Out.W-1, c.Stride)
	c.InputPixelsH = ceilDiv(c.Seg.Out.H-1, c.Stride)
	return nil
}

// CalcOutputMemLayout crops the algorithm-view output by moving the
// channel start addresses; downstream layers only access data via the
// channel bases, never via the block base.
func (c *Conv2DTranspose) CalcOutputMemLayout() {
	c.LayerBase.CalcOutputMemLayout()

	nRemoved := int(c.OutPadding.Top)*c.OutDim.MM.X + int(c.OutPadding.Left)
	for oc := 0; oc < c.OutDim.Ch; oc++ {
		c.OutDim.MM.ChannelBase[oc] += uint32(2 * nRemoved)
	}
}

func (c *Conv2DTranspose) convVPRO(segment *Segment, buffer Buffer, laneMask uint32, memLayout *bif.CommandVPRO) (bif.CommandSegment, error) {
	cmd, err := c.Conv2D.convVPRO(segment, buffer, laneMask, memLayout)
	if err != nil {
		return cmd, err
	}
	if segment.IsFirst {
		cmd.VPRO.Command = bif.VOpConvTransposeStart
	} else {
		cmd.VPRO.Command = bif.VOpConvTransposeAdd
	}
	return cmd, nil
}

// Compute shadows the conv implementation to route through the transposed
// op codes.
func (c *Conv2DTranspose) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	setLen := c.arch.ParallelLanes() * c.ParallelOutchannelsPerLane

	si := segCnt
	for segments[si].Dummy {
		si++
		if si >= segCnt+setLen {
			return layerError(c, ErrCapacity, "only dummy segments in this set")
		}
	}
	segment := segments[si]

	var laneMask uint32
	n := c.ParallelOutchannelsPerLane
	for lane := 0; lane < c.arch.Lanes; lane++ {
		for si := segCnt + lane*n; si < segCnt+setLen; si += c.arch.Lanes * n {
			if !segments[si].Dummy {
				laneMask |= 1 << lane
				break
			}
		}
	}

	var memLayout bif.CommandVPRO
	cmd, err := c.convVPRO(segment, buffer, laneMask, &memLayout)
	if err != nil {
		return err
	}
	c.Commands = append(c.Commands, cmd)
	c.CmdCnt.VPRO++

	if segment.IsLast {
		c.poolActivationVPRO(&memLayout)
		c.CmdCnt.VPRO++
		c.Commands = append(c.Commands, c.shiftStoreVPRO(&memLayout, storeBuffer))
	}
	return nil
}

func (c *Conv2DTranspose) GenerateBifLayer(bl *bif.LayerHeader) {
	c.Conv2D.GenerateBifLayer(bl)

	bl.SubpixelPad = c.SubpixelPadding
	bl.InputPixelsW = int32(c.InputPixelsW)
	bl.InputPixelsH = int32(c.InputPixelsH)
}
