package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Conv1D convolves flat (x, y=1, ch) inputs. The implementation keeps all
// kernel weights of one output channel resident in LM, so every
// accumulation step only switches the channel offset.
type Conv1D struct {
	Conv

	// Whether to load all weights required to compute one output channel
	// at once.
	LoadWeightsAtOnce bool
}

func NewConv1D(name string, number int) *Conv1D {
	l := &Conv1D{}
	l.initConv(l)
	l.LoadWeightsAtOnce = true
	l.Name = name
	l.Number = number
	return l
}

func (c *Conv1D) TypeName() string { return "Conv1D" }

func (c *Conv1D) LayerType() bif.LayerType { return bif.LTConv1 }

func (c *Conv1D) ProcessParams() error {
	if c.InDim(0).Y != 1 {
		return layerError(c, ErrShape, "input shape must be (x, y=1, ch)")
	}
	if c.KernelLength != 1 {
		return layerError(c, ErrShape, "kernel length must be 1")
	}
	if c.Stride != 1 {
		return layerError(c, ErrShape, "stride must be 1")
	}
	if c.PaddingMode != PadValid {
		return layerError(c, ErrShape, "same padding not implemented")
	}
	if !c.LoadWeightsAtOnce {
		return layerError(c, ErrShape, "separate weight loading not supported by segment scheduling")
	}
	if len(c.DilationRate) == 0 {
		c.DilationRate = []int{1, 1}
	}
	if c.DilationRate[0] != 1 {
		return layerError(c, ErrShape, "dilation not implemented")
	}
	c.dilatedKernelW = c.KernelLength
	c.dilatedKernelH = c.KernelLength
	return c.Conv.ProcessParams()
}

func (c *Conv1D) ExpectedWeightCount() int {
	kernelSize := c.OutDim.Ch * c.InDim(0).Ch / c.Groups * c.KernelLength
	biasSize := 0
	if c.UseBias {
		biasSize = c.OutDim.Ch
	}
	return kernelSize + biasSize
}

func (c *Conv1D) BiasMMAddr(outChannel int) uint32 {
	return c.MMWeights + uint32(2*(c.OutDim.Ch*c.InDim(0).Ch/c.Groups*c.KernelLength+outChannel))
}

// KernelMMAddr indexes the kernel layout [in_group_len][out_dim.ch][x].
func (c *Conv1D) KernelMMAddr(inChannel, outChannel, x int) uint32 {
	inGroupLen := c.InDim(0).Ch / c.Groups
	inOffs := inChannel % inGroupLen
	return c.MMWeights + uint32(2*(x+c.KernelLength*(outChannel+c.OutDim.Ch*inOffs)))
}

func (c *Conv1D) ComputeInputPadding() {}

func (c *Conv1D) ComputeDmaPadding() {}

func (c *Conv1D) SetSegmentDimensions() error {
	nInChannels := c.InDim(0).Ch
	nWeights := nInChannels*c.KernelLength + b2i(c.UseBias)
	lmFreeEntries := c.arch.LMSize/2 - c.arch.Lanes*nWeights

	// Parameters of leakyrelu/relu6 live in the RF, loaded via immediates.
	nActParams := 0
	if c.Activation == bif.Leaky || c.Activation == bif.Relu6 {
		nActParams = 1
	}
	rfFreeEntries := c.arch.RFDiscardAddr() - nWeights - nActParams

	segLen := minInt(minInt(lmFreeEntries, rfFreeEntries), c.InDim(0).X)
	if segLen < 1 {
		return layerError(c, ErrCapacity, "weights of %d input channels leave no room for data", nInChannels)
	}

	c.Seg.Num.X = ceilDiv(c.InDim(0).X, segLen)
	c.Seg.Num.Y = 1

	c.Seg.In.W = segLen
	c.Seg.In.H = 1
	c.Seg.Out.W = segLen
	c.Seg.Out.H = 1

	c.Seg.In.XStride = c.Seg.Out.W * c.Stride
	c.convSegW = segLen
	c.convSegH = 1
	return nil
}

func (c *Conv1D) convVPRO(segment *Segment, buffer Buffer, laneMask uint32, memLayout *bif.CommandVPRO) (bif.CommandSegment, error) {
	if c.ResultShiftRight < 0 {
		return bif.CommandSegment{}, layerError(c, ErrShape, "negative result shift not implemented")
	}

	lmPartitionSize := c.arch.LMSize / 2
	lmPartitionEnd := (int(buffer) + 1) * lmPartitionSize
	nCh := c.InDim(0).Ch
	chOff := segment.InChannel

	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	if segment.IsFirst {
		cmd.VPRO.Command = bif.VOpConv1DStart
	} else {
		cmd.VPRO.Command = bif.VOpConv1DAdd
	}
	cmd.VPRO.RFBase = 0
	cmd.VPRO.LMBase = uint32(int(buffer) * lmPartitionSize)
	cmd.VPRO.InChOffset = uint16(chOff)
	cmd.VPRO.ZEnd = uint16(c.Seg.Out.W - 1)
	cmd.VPRO.LaneMask = laneMask
	cmd.VPRO.KernelLoadBufferL0 = uint32(lmPartitionEnd - (nCh-chOff)*c.KernelLength)
	cmd.VPRO.KernelLoadBufferL1 = uint32(lmPartitionEnd - 2*(nCh-chOff)*c.KernelLength)
	if segment.IsFirst {
		cmd.VPRO.BiasLoadBufferL0 = cmd.VPRO.KernelLoadBufferL1 - 1
		cmd.VPRO.BiasLoadBufferL1 = cmd.VPRO.KernelLoadBufferL1 - 2
	}
	cmd.VPRO.ShiftRight = c.ResultShiftRight
	cmd.VPRO.RFFracBits = c.RFFracBits

	memLayout.LaneMask = laneMask
	memLayout.XEnd = 0
	memLayout.YEnd = 0
	memLayout.ZEnd = cmd.VPRO.ZEnd
	memLayout.RFChStride = 1
	memLayout.RFBase = 0
	memLayout.LMChStride = 1
	memLayout.LMBase = cmd.VPRO.LMBase

	memLayout.ShiftRight = c.StoreShiftRight
	memLayout.RFFracBits = c.RFFracBits

	return cmd, nil
}

func (c *Conv1D) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	setLen := c.arch.ParallelLanes()

	si := segCnt
	for segments[si].Dummy {
		si++
		if si >= segCnt+setLen {
			return layerError(c, ErrCapacity, "only dummy segments in this set")
		}
	}
	segment := segments[si]

	var laneMask uint32
	for lane := 0; lane < c.arch.Lanes; lane++ {
		for si := segCnt + lane; si < segCnt+setLen; si += c.arch.Lanes {
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

func (c *Conv1D) biasLoad(segment *Segment, cluster, unit, lane int, buffer Buffer) (DMADescriptor, error) {
	lmPartitionEnd := (int(buffer) + 1) * (c.arch.LMSize / 2)
	nInChannels := c.InDim(0).Ch

	dma := DMADescriptor{
		Dir:            bif.DirE2L1D,
		Cluster:        cluster,
		Unit:           unit,
		LMAddr:         uint32(lmPartitionEnd - 2*nInChannels*c.KernelLength - 1 - lane),
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

// kernelLoad uses one 2D transfer to fetch the kernel weights of all input
// channels at once; the kernel layout [in_ch, out_ch, x] maps to a strided
// column.
func (c *Conv1D) kernelLoad(segment *Segment, cluster, unit, lane int, buffer Buffer) (DMADescriptor, error) {
	lmPartitionEnd := (int(buffer) + 1) * (c.arch.LMSize / 2)
	nInChannels := c.InDim(0).Ch

	dma := DMADescriptor{
		Dir:              bif.DirE2L2D,
		Cluster:          cluster,
		Unit:             unit,
		LMAddr:           uint32(lmPartitionEnd - nInChannels*(lane+1)*c.KernelLength),
		XSize:            c.KernelLength,
		YSize:            nInChannels,
		YLeap:            c.OutDim.Ch * c.KernelLength,
		IsMMKernelOffset: true,
		MMAddr:           uint64(c.KernelMMAddr(segment.InChannel, segment.OutChannel, 0)),
	}
	if dma.MMAddr > 0xFFFFFFFF {
		return dma, layerError(c, ErrBitWidth, "kernel offset exceeds 32 bit")
	}
	return dma, nil
}

func (c *Conv1D) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	dmas1D := make([]DMADescriptor, 0, 2*c.arch.ParallelLanes())
	var dmas2D []DMADescriptor

	cl, un, ln := 0, 0, 0
	for i := 0; i < c.arch.ParallelLanes(); i++ {
		segment := segments[i+segCnt]
		if !segment.Dummy {
			if segment.IsFirst {
				dma, err := c.kernelLoad(segment, cl, un, ln, buffer)
				if err != nil {
					return err
				}
				dmas2D = append(dmas2D, dma)
				bias, err := c.biasLoad(segment, cl, un, ln, buffer)
				if err != nil {
					return err
				}
				dmas1D = append(dmas1D, bias)
			}
			if ln == 0 {
				dmas1D = append(dmas1D, c.DataLoad1D(segment, cl, un, buffer, 0))
			}
		}
		nextHardwareElement(c.arch, &cl, &un, &ln)
	}

	c.pushDMACommands(startBroadcastLoad(dmas1D, dmas2D))
	return nil
}

func (c *Conv1D) DataStore(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error) {
	return c.DataStore1D(segment, cluster, unit, lane, bufferLoad)
}

func (c *Conv1D) GenerateCommands() error {
	c.setRFLayout()
	return runDoubleBuffer(c.self)
}
