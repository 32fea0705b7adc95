package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// biasLoad fetches one bias word to the lane's reserved LM slot.
func (c *Conv2D) biasLoad(segment *Segment, cluster, unit, lane int, buffer Buffer) (DMADescriptor, error) {
	lmOffset := uint32(int(buffer) * (c.arch.LMSize / 2))

	dma := DMADescriptor{
		Dir:            bif.DirE2L1D,
		Cluster:        cluster,
		Unit:           unit,
		LMAddr:         lmOffset + uint32(c.arch.LMSize/4-2*c.kernelX*c.kernelY-1-lane),
		IsMMBiasOffset: true,
		MMAddr:         uint64(c.BiasMMAddr(segment.OutChannel)),
		WordCount:      1,
		YSize:          1,
	}
	if dma.MMAddr > 0xFFFFFFFF {
		return dma, layerError(c, ErrBitWidth, "bias offset exceeds 32 bit")
	}
	return dma, nil
}

// kernelLoad fetches the lane's kernel coefficients behind the input data.
func (c *Conv2D) kernelLoad(segment *Segment, cluster, unit, lane int, buffer Buffer) (DMADescriptor, error) {
	lmOffset := uint32(int(buffer) * (c.arch.LMSize / 2))

	dma := DMADescriptor{
		Dir:              bif.DirE2L1D,
		Cluster:          cluster,
		Unit:             unit,
		LMAddr:           lmOffset + uint32(c.arch.LMSize/4-c.kernelX*c.kernelY*(lane+1)),
		WordCount:        c.kernelX * c.kernelY,
		YSize:            1,
		IsMMKernelOffset: true,
		MMAddr:           uint64(c.KernelMMAddr(segment.InChannel, segment.OutChannel, 0, 0)),
	}
	if dma.MMAddr > 0xFFFFFFFF {
		return dma, layerError(c, ErrBitWidth, "kernel offset exceeds 32 bit")
	}
	return dma, nil
}

// Load issues the kernel (and on the first accumulation step the bias)
// transfer per lane and the 2D input tile once per unit, then fuses the
// collected descriptors into unit broadcasts.
func (c *Conv2D) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	parallelLanes := c.arch.ParallelLanes()

	if c.is1x1FastPath() {
		n := c.ParallelOutchannelsPerLane
		dmas1D := make([]DMADescriptor, 0, 2*n*parallelLanes)
		var dmas2D []DMADescriptor

		cl, un, ln := 0, 0, 0
		for lane := 0; lane < parallelLanes; lane++ {
			for iter := 0; iter < n; iter++ {
				segment := segments[lane*n+segCnt+iter]
				if segment.Dummy {
					continue
				}
				// LM tail layout per buffer half: n kernels per lane, n
				// bias words per lane in front of them.
				dma, err := c.kernelLoad(segment, cl, un, ln, buffer)
				if err != nil {
					return err
				}
				dma.LMAddr = uint32(int(buffer)*(c.arch.LMSize/2) +
					c.arch.LMSize/4 - 2*n + iter + n*ln)
				dmas1D = append(dmas1D, dma)

				if segment.IsFirst {
					dma, err = c.biasLoad(segment, cl, un, ln, buffer)
					if err != nil {
						return err
					}
					dma.LMAddr = uint32(int(buffer)*(c.arch.LMSize/2) +
						c.arch.LMSize/4 - 4*n + iter + n*ln)
					dmas1D = append(dmas1D, dma)
				}

				// Input block, once per unit.
				if ln == 0 {
					in := DMADescriptor{
						Dir:     bif.DirE2L2D,
						Cluster: cl,
						Unit:    un,
						XSize:   c.Seg.In.W,
						YSize:   c.Seg.In.H,
						MMAddr:  uint64(segment.InMMBase[0]),
						LMAddr:  uint32(int(buffer) * (c.arch.LMSize / 2)),
						YLeap:   1, // fake 2D; the merger translates to 1D transfers
					}
					dmas2D = append(dmas2D, in)
				}
			}
			nextHardwareElement(c.arch, &cl, &un, &ln)
		}

		c.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
		return nil
	}

	dmas1D := make([]DMADescriptor, 0, 2*parallelLanes)
	var dmas2D []DMADescriptor

	cl, un, ln := 0, 0, 0
	for i := 0; i < parallelLanes; i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			dma, err := c.kernelLoad(segment, cl, un, ln, buffer)
			if err != nil {
				return err
			}
			dmas1D = append(dmas1D, dma)
			if segment.IsFirst {
				dma, err = c.biasLoad(segment, cl, un, ln, buffer)
				if err != nil {
					return err
				}
				dmas1D = append(dmas1D, dma)
			}

			if ln == 0 {
				dmas2D = append(dmas2D, c.DataLoad(segment, cl, un, buffer, 0))
			}
		}
		nextHardwareElement(c.arch, &cl, &un, &ln)
	}

	c.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

// DataStore marks trailing overcalc words of the 1x1 path so the store
// splitter can strip them before they reach main memory.
func (c *Conv2D) DataStore(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error) {
	cmd, err := c.DataStore2D(segment, cluster, unit, lane, bufferLoad)
	if err != nil {
		return cmd, err
	}

	if c.is1x1FastPath() {
		cmd.DMA.YLeap = 1 // fake 2D without leap; merged to 1D transfers

		if segment.XSeg == c.Seg.Num.X-1 {
			if err := checkFieldWidth(c.self, "overcalc elements", c.overcalcElements1D, 255); err != nil {
				return cmd, err
			}
			cmd.DMA.SkippedElementsAtEnd = uint8(c.overcalcElements1D)
			if c.overcalcElements1D != 0 && !c.Cfg.UseDMAMerger {
				return cmd, layerError(c, ErrCapacity, "overcalc correction requires the DMA merger")
			}
		}
	}
	return cmd, nil
}

// GenerateCommands fixes the RF coefficient layout, then runs the shared
// double-buffer driver.
func (c *Conv2D) GenerateCommands() error {
	if c.is1x1FastPath() {
		n := c.ParallelOutchannelsPerLane
		c.kernelX = c.KernelLength
		c.kernelY = c.KernelLength
		c.rfKernelBase = c.arch.RFDiscardAddr() - c.KernelLength*n
		c.rfBiasBase = c.rfKernelBase - n
		c.rfRelu6Base = c.rfBiasBase - 1
		return runDoubleBuffer(c.self)
	}
	c.setRFLayout()
	return runDoubleBuffer(c.self)
}
