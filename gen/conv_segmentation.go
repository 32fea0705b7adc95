package gen

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/vpro-eis/netgen/gen/bif"
)

const relu6 = bif.Relu6

// segCandidate carries the rating of one enumerated segmentation.
type segCandidate struct {
	seg      SegDim
	convSegW int
	convSegH int

	effectiveUnitUsage      float64
	effectiveSquariness     float64
	effectiveSegArea        float64
	effectivePixelCalcFact  float64

	penalty float64
}

// SetSegmentDimensions chooses the segmentation of a Conv2D. A closed-form
// forward solution for the optimum segment size is too hard, so all
// hardware-legal output sizes are rated with a cost function; the goal is
// to minimise the overall cycle count (DMA, compute, lane idling).
//
// A segment refers to the same region of input and output images. All
// lanes of a unit compute different output channels from the same input
// data, so input DMA is efficient when the data can be broadcast to every
// segment requiring it.
func (c *Conv2D) SetSegmentDimensions() error {
	kernelLengthX := c.KernelLength
	kernelLengthY := c.KernelLength
	convStrideX := c.Stride
	convStrideY := c.Stride

	// All sizes in elements, not bytes.
	nWeights := kernelLengthX*kernelLengthY + b2i(c.UseBias)

	// Output is stored in the RF.
	rfFreeEntries := c.arch.RFDiscardAddr() - nWeights
	if c.Activation == relu6 {
		rfFreeEntries-- // one entry required for the shifted six
	}

	// Inputs stored in local memory; halved for double buffering, and each
	// lane additionally keeps its kernel and bias there.
	lmFreeEntries := c.arch.LMSize/4 - c.arch.Lanes*nWeights

	if c.Cfg.SegmentationStrategy == DetailedHeuristic && c.fastPathEligible() {
		done, err := c.segment1x1FastPath()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// Fall through to the 2D enumeration with one channel per lane.
		c.ParallelOutchannelsPerLane = 1
	}

	var best segCandidate
	bestValid := false

	searchCount := 0

	// Chosen pivotal parameter: segment output size (must be the same for
	// all processing units). Brute force over all sane output sizes; the
	// limits tightly depend on the runtime's compute kernels.
	kernel1x1 := kernelLengthX == 1

	maxSegOutW := minInt(rfFreeEntries, c.convOutDim.X)
	maxSegOutH := minInt(rfFreeEntries, c.convOutDim.Y)

	if kernel1x1 {
		maxSegOutW = minInt(minInt(maxSegOutW, c.arch.MaxXEnd()+1), c.arch.MaxBeta())
		maxSegOutH = minInt(maxSegOutH, c.arch.MaxYEnd()+1)
	} else {
		maxSegOutW = minInt(maxSegOutW, c.arch.MaxZEnd()+1)
	}

	// Pooling, activation and shift_store all use seg.out.w-1 as x_end and
	// seg.out.w as beta; seg.out.h-1 as y_end.
	maxSegOutW = minInt(minInt(maxSegOutW, c.arch.MaxXEnd()+1), c.arch.MaxBeta())
	maxSegOutH = minInt(maxSegOutH, c.arch.MaxYEnd()+1)

	for convSegW := 1; convSegW <= maxSegOutW; convSegW++ {
		// Smallest sufficient number of input samples: the 1st output
		// sample requires kernel_length inputs, each further one stride
		// more.
		c.Seg.In.W = c.dilatedKernelW + (convSegW-1)*convStrideX

		// Addressing limitation: maximum row distance in the vector
		// command.
		if kernel1x1 && convStrideX*c.Seg.In.W > c.arch.MaxBeta() {
			break
		}
		if !kernel1x1 && c.DilationRate[0]*c.Seg.In.W > c.arch.MaxBeta() {
			break
		}

		if c.UpsamplingScale != 1 {
			// shift_store_upsample iterates over multiple lines in beta.
			if convSegW/c.PoolSize[0]*4 > c.arch.MaxBeta() {
				break
			}
		}

		// Fused pooling needs an even segment width.
		if convSegW%c.PoolSize[0] != 0 {
			continue
		}

		for convSegH := 1; convSegH <= maxSegOutH; convSegH++ {
			// Does one output channel fit into the RF?
			if convSegW*convSegH > rfFreeEntries {
				break
			}

			if c.UpsamplingScale != 1 {
				if (convSegW/c.PoolSize[0]*c.UpsamplingScale)*(convSegH/c.PoolSize[1]*c.UpsamplingScale) > c.arch.RFSize {
					break
				}
			}

			c.Seg.In.H = c.dilatedKernelH + (convSegH-1)*convStrideY
			// Does one input channel fit into LM?
			if c.Seg.In.W*c.Seg.In.H > lmFreeEntries {
				break
			}

			// Maximum LM offset for an input line start.
			if (convSegH-1)*c.Seg.In.W*convStrideY > c.arch.MaxOffset() {
				break
			}

			if convSegH%c.PoolSize[1] != 0 {
				continue
			}

			c.Seg.Num.X = ceilDiv(c.convOutDim.X, convSegW)
			c.Seg.Num.Y = ceilDiv(c.convOutDim.Y, convSegH)

			c.Seg.In.XStride = convSegW * convStrideX
			c.Seg.In.YStride = convSegH * convStrideY

			c.Seg.Out.W = convSegW / c.PoolSize[0] * c.UpsamplingScale
			c.Seg.Out.H = convSegH / c.PoolSize[1] * c.UpsamplingScale
			c.Seg.Out.XStride = c.Seg.Out.W
			c.Seg.Out.YStride = c.Seg.Out.H

			// All fields of seg are set here.

			// Padding must fit into a single segment; splitting padding
			// across segments is not implemented.
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

			// Padding widths can only be configured per layer, so the
			// outermost segments must absorb them completely.
			if int(c.Padding.DMA.Top) > c.Seg.In.YStride ||
				int(c.Padding.DMA.Right) > c.Seg.In.XStride ||
				int(c.Padding.DMA.Bottom) > c.Seg.In.YStride ||
				int(c.Padding.DMA.Left) > c.Seg.In.XStride {
				continue
			}

			cand := c.rateCandidate(convSegW, convSegH)
			searchCount++

			logrus.Debugf("segmentation candidate %s: conv_out %dx%d, num %dx%d, penalty %f",
				c.FullName(), convSegW, convSegH, c.Seg.Num.X, c.Seg.Num.Y, cand.penalty)

			if !bestValid || cand.penalty <= best.penalty {
				best = cand
				bestValid = true
			}
		}
	}

	if !bestValid {
		return layerError(c, ErrCapacity, "could not find a valid segmentation (conv_out %dx%d, kernel %dx%d)",
			c.convOutDim.X, c.convOutDim.Y, kernelLengthX, kernelLengthY)
	}

	c.Seg = best.seg
	c.convSegW = best.convSegW
	c.convSegH = best.convSegH

	logrus.Infof("best segmentation for %s after %d candidates: num %dx%d, out %dx%d (unit usage %.3f, squariness %.3f, rf usage %.3f, pixel coverage %.3f)",
		c.FullName(), searchCount, best.seg.Num.X, best.seg.Num.Y, best.seg.Out.W, best.seg.Out.H,
		best.effectiveUnitUsage, best.effectiveSquariness, best.effectiveSegArea, best.effectivePixelCalcFact)
	return nil
}

// rateCandidate computes the cost of the currently assigned segmentation.
// The actual execution time depends on too many factors, so a heuristic
// product of efficiency fractions is used; the exponents weight the
// relevance of each factor.
func (c *Conv2D) rateCandidate(convSegW, convSegH int) segCandidate {
	a := c.arch

	// Lanes can only operate in parallel on the same input data: idle
	// lanes if the channel count does not divide into the lane count.
	unitUsages := c.Seg.Num.X * c.Seg.Num.Y * ceilDiv(c.convOutDim.Ch, a.Lanes) * a.Lanes
	iterations := ceilDiv(unitUsages, a.ParallelLanes())
	executedUnits := a.ParallelLanes() * iterations
	effectiveUnitUsage := float64(unitUsages) / float64(executedUnits)

	// How much of the RF is in use.
	effectiveSegArea := float64(convSegW*convSegH) / float64(a.RFSize)

	// A bad tiling computes too many pixels.
	calcPixels := float64(c.Seg.Num.X * c.Seg.Out.W * c.Seg.Num.Y * c.Seg.Out.H)
	reqPixels := float64(c.OutDim.X * c.OutDim.Y)
	effectivePixelCalcFactor := reqPixels / calcPixels

	// Non-square segments need more padding, hence more DMA.
	area := float64(convSegW * convSegH)
	perimeter := float64(2*convSegW + 2*convSegH)
	maxSide := float64(maxInt(convSegW, convSegH))
	maxSquariness := maxSide * maxSide / (maxSide * 4)
	squariness := area / perimeter
	effectiveSquariness := squariness / maxSquariness

	// Cost is the inverse of the combined efficiency. Not modelled: DMA
	// broadcast capability, cache-line vs segment width interaction,
	// VPRO/DMA cycle ratio.
	penalty := 1.0 - math.Pow(effectiveUnitUsage, 2)*
		math.Pow(effectiveSquariness, 1)*
		math.Pow(effectiveSegArea, 1.5)*
		math.Pow(effectivePixelCalcFactor, 2)

	return segCandidate{
		seg:                    c.Seg,
		convSegW:               convSegW,
		convSegH:               convSegH,
		effectiveUnitUsage:     effectiveUnitUsage,
		effectiveSquariness:    effectiveSquariness,
		effectiveSegArea:       effectiveSegArea,
		effectivePixelCalcFact: effectivePixelCalcFactor,
		penalty:                penalty,
	}
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}
