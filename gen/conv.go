package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Conv is the generic base of all convolution variants.
type Conv struct {
	FusedFunc

	KernelLength int
	Stride       int
	DilationRate []int
	UseBias      bool

	// PreZP and PaddingMode are independent; both may be active at once.
	PreZP       bif.PadReduced // fused zero-padding layer
	PaddingMode PaddingMode

	ResultShiftRight int16
	BiasShiftRight   int16

	// Manual 1x1 fast-path parametrisation; negative means auto.
	OutchannelBlockSize   int
	OutchannelParallelism int

	// Derived.
	convOutDim   Dim
	convInDimW   int
	convInDimH   int
	rfKernelBase int
	rfBiasBase   int
	kernelX      int
	kernelY      int

	// Segmentation: conv output dimension before fused pooling/upsampling.
	convSegW int
	convSegH int

	dilatedKernelW int
	dilatedKernelH int

	overcalcElements1D int // trailing garbage words of oversized 1D segments
}

func (c *Conv) initConv(self Layer) {
	c.initFused(self)
	c.KernelLength = 1
	c.Stride = 1
	c.OutchannelBlockSize = -1
	c.OutchannelParallelism = -1
}

func (c *Conv) ProcessParams() error {
	if c.KernelLength <= 0 {
		return layerError(c.self, ErrShape, "kernel length %d", c.KernelLength)
	}
	if c.Stride <= 0 {
		return layerError(c.self, ErrShape, "stride %d", c.Stride)
	}
	for _, d := range c.DilationRate {
		if c.Stride != 1 && d != 1 {
			return layerError(c.self, ErrShape, "either dilation_rate or stride must be 1")
		}
	}
	return c.FusedFunc.ProcessParams()
}

func (c *Conv) GenerateBifLayer(bl *bif.LayerHeader) {
	c.FusedFunc.GenerateBifLayer(bl)

	bl.SegOutW = int32(c.convSegW)
	bl.SegOutH = int32(c.convSegH)

	bl.Stride = int32(c.Stride)
	bl.KernelLength = int32(c.KernelLength)
	bl.ConvGroups = int32(c.Groups)
	bl.DilationRateW = int32(c.DilationRate[0])
	bl.DilationRateH = int32(c.DilationRate[1])

	bl.ConvResultShiftRight = int32(c.ResultShiftRight)
	bl.BiasShiftRight = int32(c.BiasShiftRight)
}

// convVPRO emits the accumulation record of one set: conv_start on the
// first input channel (bias is loaded, accumulator initialised), conv_add
// otherwise. memLayout is seeded with the RF layout the record produces;
// the fused post-processing records derive from it.
func (c *Conv) convVPRO(segment *Segment, buffer Buffer, laneMask uint32, memLayout *bif.CommandVPRO) (bif.CommandSegment, error) {
	if c.ResultShiftRight < 0 {
		return bif.CommandSegment{}, layerError(c.self, ErrShape, "negative result shift not implemented")
	}

	lmDbsz := c.arch.LMSize / 2
	n := c.ParallelOutchannelsPerLane

	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	if segment.IsFirst {
		cmd.VPRO.Command = bif.VOpConvStart
	} else {
		cmd.VPRO.Command = bif.VOpConvAdd
	}
	cmd.VPRO.Buffer = uint32(int(buffer) * lmDbsz)
	cmd.VPRO.LaneMask = laneMask

	if c.is1x1FastPath() {
		cmd.VPRO.KernelLoadBufferL0 = cmd.VPRO.Buffer + uint32(lmDbsz/2-n*2)
		cmd.VPRO.KernelLoadBufferL1 = cmd.VPRO.Buffer + uint32(lmDbsz/2-n*1)
		if segment.IsFirst {
			cmd.VPRO.BiasLoadBufferL0 = cmd.VPRO.Buffer + uint32(lmDbsz/2-n*4)
			cmd.VPRO.BiasLoadBufferL1 = cmd.VPRO.Buffer + uint32(lmDbsz/2-n*3)
		}
	} else {
		kk := c.kernelX * c.kernelY * n
		cmd.VPRO.KernelLoadBufferL0 = cmd.VPRO.Buffer + uint32(lmDbsz/2-kk*1)
		cmd.VPRO.KernelLoadBufferL1 = cmd.VPRO.Buffer + uint32(lmDbsz/2-kk*2)
		if segment.IsFirst {
			cmd.VPRO.BiasLoadBufferL0 = cmd.VPRO.Buffer + uint32(lmDbsz/2-kk*2-n)
			cmd.VPRO.BiasLoadBufferL1 = cmd.VPRO.Buffer + uint32(lmDbsz/2-kk*2-2*n)
		}
	}

	// Memory layout produced by the convolution.
	memLayout.LaneMask = laneMask
	memLayout.XEnd = uint16(c.convSegW - 1)
	memLayout.YEnd = uint16(c.convSegH - 1)
	memLayout.ZEnd = uint16(n - 1)
	if n > 1 {
		memLayout.RFChStride = uint16(c.convSegW * c.convSegH)
	} else {
		memLayout.RFChStride = 0
	}
	memLayout.RFBase = 0
	memLayout.LMChStride = memLayout.RFChStride

	// Input buffer; swish still needs it as LM temp region. The store
	// target is set by the shift_store record.
	memLayout.LMBase = cmd.VPRO.Buffer

	memLayout.ShiftRight = c.StoreShiftRight
	memLayout.RFFracBits = c.RFFracBits

	cmd.VPRO.XEnd = memLayout.XEnd
	cmd.VPRO.YEnd = memLayout.YEnd
	cmd.VPRO.ZEnd = memLayout.ZEnd
	cmd.VPRO.ShiftRight = c.ResultShiftRight
	cmd.VPRO.RFFracBits = c.RFFracBits
	cmd.VPRO.LMBase = memLayout.LMBase

	return cmd, nil
}

// Compute emits the conv record of the set starting at segCnt plus the
// fused post-processing on the final accumulation step.
func (c *Conv) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	n := c.ParallelOutchannelsPerLane
	setLen := c.arch.ParallelLanes() * n

	// Use the first non-dummy segment as prototype.
	si := segCnt
	for segments[si].Dummy {
		si++
		if si >= segCnt+setLen {
			return layerError(c.self, ErrCapacity, "only dummy segments in this set")
		}
	}
	segment := segments[si]

	// Which lanes have non-dummy segments?
	var laneMask uint32
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

		// Transfer result from RF to LM.
		c.CmdCnt.VPRO++
		c.Commands = append(c.Commands, c.shiftStoreVPRO(&memLayout, storeBuffer))
	}
	return nil
}

func (c *Conv) setRFLayout() {
	c.kernelX = c.KernelLength
	c.kernelY = c.KernelLength
	c.rfKernelBase = c.arch.RFDiscardAddr() - c.kernelX*c.kernelY
	c.rfBiasBase = c.rfKernelBase - 1
	c.rfRelu6Base = c.rfBiasBase - 1
}

// Conv2D is the standard two-dimensional convolution, optionally grouped,
// dilated, strided and fused with zero padding, pooling, activation and
// upsampling.
type Conv2D struct {
	Conv
}

// NewConv2D allocates a Conv2D with defaulted parameters; the caller
// assigns user parameters and wires sources before ProcessParams.
func NewConv2D(name string, number int) *Conv2D {
	l := &Conv2D{}
	l.initConv(l)
	l.Name = name
	l.Number = number
	return l
}

func (c *Conv2D) TypeName() string { return "Conv2D" }

func (c *Conv2D) LayerType() bif.LayerType { return bif.LTConv2 }

func (c *Conv2D) ProcessParams() error {
	if len(c.DilationRate) == 0 {
		c.DilationRate = []int{1, 1}
	}
	if len(c.DilationRate) != 2 {
		return layerError(c, ErrShape, "dilation rate needs 2 dimensions")
	}
	c.dilatedKernelW = (c.KernelLength-1)*c.DilationRate[0] + 1
	c.dilatedKernelH = (c.KernelLength-1)*c.DilationRate[1] + 1
	c.convInDimW = c.InDim(0).X + int(c.PreZP.Left) + int(c.PreZP.Right)
	c.convInDimH = c.InDim(0).Y + int(c.PreZP.Top) + int(c.PreZP.Bottom)
	return c.Conv.ProcessParams()
}

func (c *Conv2D) ComputeOutputDim() error {
	// Chain: zeropadding - conv - maxpool2x2. The fused pool/upsample
	// factors are applied by FusedFunc.ProcessParams afterwards.
	c.convOutDim.X = c.convInDimW
	c.convOutDim.Y = c.convInDimH
	c.convOutDim.Ch = c.OutDim.Ch

	if c.PaddingMode == PadValid {
		c.convOutDim.X -= c.dilatedKernelW - 1
		c.convOutDim.Y -= c.dilatedKernelH - 1
	}
	c.convOutDim.X = ceilDiv(c.convOutDim.X, c.Stride)
	c.convOutDim.Y = ceilDiv(c.convOutDim.Y, c.Stride)

	c.OutDim.X = c.convOutDim.X
	c.OutDim.Y = c.convOutDim.Y
	return nil
}

func (c *Conv2D) ComputeInputPadding() {
	// The convolution input size is in_dim.(x|y) + padding.algo. same with
	// kernel 1 pads nothing.
	if c.PaddingMode == PadSame && c.KernelLength > 1 {
		padX := (c.convOutDim.X-1)*c.Stride + c.dilatedKernelW - c.convInDimW
		padY := (c.convOutDim.Y-1)*c.Stride + c.dilatedKernelH - c.convInDimH
		c.Padding.Algo.Left = int32(padX / 2)
		c.Padding.Algo.Right = int32(padX) - c.Padding.Algo.Left
		c.Padding.Algo.Top = int32(padY / 2)
		c.Padding.Algo.Bottom = int32(padY) - c.Padding.Algo.Top
	}
	c.Padding.Algo.Left += c.PreZP.Left
	c.Padding.Algo.Right += c.PreZP.Right
	c.Padding.Algo.Top += c.PreZP.Top
	c.Padding.Algo.Bottom += c.PreZP.Bottom
	// padding.dma is set later, once the segmentation is known.
}

func (c *Conv2D) ExpectedWeightCount() int {
	kernelSize := c.OutDim.Ch * c.InDim(0).Ch / c.Groups * c.KernelLength * c.KernelLength
	biasSize := 0
	if c.UseBias {
		biasSize = c.OutDim.Ch
	}
	return kernelSize + biasSize
}

// BiasMMAddr locates a channel's bias behind the kernel block.
func (c *Conv2D) BiasMMAddr(outChannel int) uint32 {
	return c.MMWeights + uint32(2*(c.OutDim.Ch*c.InDim(0).Ch/c.Groups*c.KernelLength*c.KernelLength+outChannel))
}

// KernelMMAddr locates one kernel coefficient. Memory layout is
// kernel[in_group_len][out_dim.ch][kernel_y][kernel_x]; grouped
// convolutions index the channel offset within the input group.
func (c *Conv2D) KernelMMAddr(inChannel, outChannel, x, y int) uint32 {
	inGroupLen := c.InDim(0).Ch / c.Groups
	inOffs := inChannel % inGroupLen
	return c.MMWeights + uint32(2*(x+c.KernelLength*(y+c.KernelLength*(outChannel+c.OutDim.Ch*inOffs))))
}

// is1x1FastPath reports whether the equivalent-1D formulation with
// multiple output channels per lane is active.
func (c *Conv) is1x1FastPath() bool {
	return c.KernelLength == 1 && c.PoolSize[0] == 1 && c.Stride == 1 &&
		c.Groups == 1 && c.ParallelOutchannelsPerLane > 1 && c.UpsamplingScale == 1
}

// fastPathEligible checks the layer shape (before the search has chosen a
// channel parallelism).
func (c *Conv) fastPathEligible() bool {
	return c.KernelLength == 1 && c.PoolSize[0] == 1 && c.Stride == 1 &&
		c.Groups == 1 && c.UpsamplingScale == 1 && c.PreZP.Zero()
}

func (c *Conv2D) SetOutputMemDimensions() {
	c.LayerBase.SetOutputMemDimensions()

	if c.is1x1FastPath() {
		// The equivalent 1D convolution propagates garbage right of the
		// input image into the output.
		c.OutDim.MM.X = c.InDim(0).MM.X
		c.OutDim.MM.Y = c.OutDim.Y
	}
}
