package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// FusedFunc is the shared base for layers supporting a fused activation
// and 2x2 maxpooling chain appended to their compute step.
type FusedFunc struct {
	LayerBase

	Activation bif.Activation
	Alpha      uint16 // leakyrelu coefficient

	PoolType            PoolType // NoPooling has priority over size and stride
	PoolSize            []int    // one element for all dimensions allowed; defaults to 1
	PoolStride          []int    // defaults to PoolSize
	PoolPaddingMode     PaddingMode
	PoolAfterActivation bool // first activation, then pooling (default is pool first)

	UpsamplingScale int

	StoreShiftRight     int16
	RFFracBits          int16
	AlphaMulhShiftRight int16

	// RF slot for the pre-shifted constant six of relu6.
	rfRelu6Base int
}

func (f *FusedFunc) initFused(self Layer) {
	f.initBase(self)
	f.PoolPaddingMode = PadValid
	f.UpsamplingScale = 1
}

// ProcessParams normalises the pooling chain and folds pool/upsample
// factors into the output geometry.
func (f *FusedFunc) ProcessParams() error {
	if f.PoolType == NoPooling {
		f.PoolSize = []int{1, 1}
		f.PoolStride = []int{1, 1}
		f.PoolPaddingMode = PadValid
	}
	if len(f.PoolSize) == 1 {
		f.PoolSize = []int{f.PoolSize[0], f.PoolSize[0]}
	}
	if len(f.PoolStride) == 0 {
		f.PoolStride = append([]int(nil), f.PoolSize...)
	}
	if len(f.PoolSize) != 2 || len(f.PoolStride) != 2 {
		return layerError(f.self, ErrShape, "pool size/stride must have 2 dimensions")
	}
	if f.PoolSize[0] != f.PoolSize[1] || f.PoolStride[0] != f.PoolStride[1] {
		return layerError(f.self, ErrShape, "only square pooling supported")
	}
	if f.PoolStride[0] != f.PoolSize[0] {
		return layerError(f.self, ErrShape, "only pool_size == pool_stride supported")
	}
	if f.PoolSize[0] != 1 && f.PoolSize[0] != 2 {
		return layerError(f.self, ErrShape, "unsupported fused pooling size %d", f.PoolSize[0])
	}
	if f.PoolPaddingMode != PadValid {
		return layerError(f.self, ErrShape, "fused pooling supports valid padding only")
	}

	if err := f.LayerBase.ProcessParams(); err != nil {
		return err
	}

	// Must run after the child's ComputeOutputDim.
	if f.OutDim.X%f.PoolSize[0] != 0 || f.OutDim.Y%f.PoolSize[1] != 0 {
		return layerError(f.self, ErrShape, "pooling requires an even input size, got %dx%d", f.OutDim.X, f.OutDim.Y)
	}
	f.OutDim.X = f.OutDim.X / f.PoolSize[0] * f.UpsamplingScale
	f.OutDim.Y = f.OutDim.Y / f.PoolSize[1] * f.UpsamplingScale
	return nil
}

func (f *FusedFunc) GenerateBifLayer(bl *bif.LayerHeader) {
	f.LayerBase.GenerateBifLayer(bl)

	bl.StoreShiftRight = int32(f.StoreShiftRight)
	bl.Relu6ShiftLeft = int32(f.RFFracBits)
	bl.Alpha = int32(f.Alpha)
	bl.AlphaMulhShiftRight = int32(f.AlphaMulhShiftRight)

	bl.Activation = f.Activation
	bl.PoolStride = int32(f.PoolSize[0])
}

// VPRO pipeline compensation
// --------------------------
// Required for small data blocks. Activation and shift_store read the RF
// linearly, address increment 1/cycle, highest read address n. The
// previous instruction writes increasing addresses, so the last read
// (address n) determines the number of required nops.

// shiftStoreVPRO moves the RF result tile into local memory through the
// store buffer (the non-load buffer of the next iteration), applying the
// per-layer right shift. Toggles the store buffer.
func (f *FusedFunc) shiftStoreVPRO(memLayout *bif.CommandVPRO, storeBuffer *Buffer) bif.CommandSegment {
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO = *memLayout

	*storeBuffer = storeBuffer.other()
	cmd.VPRO.LMBase = uint32(int(*storeBuffer)*(f.arch.LMSize/2) + f.arch.LMSize/4)

	if f.UpsamplingScale != 1 {
		cmd.VPRO.Command = bif.VOpShiftStoreUpsample
	} else {
		cmd.VPRO.Command = bif.VOpShiftStore
	}

	memLayout.XEnd = (memLayout.XEnd+1)*uint16(f.UpsamplingScale) - 1
	memLayout.YEnd = (memLayout.YEnd+1)*uint16(f.UpsamplingScale) - 1
	memLayout.LMChStride *= uint16(f.UpsamplingScale * f.UpsamplingScale)

	implicitWaitCycles := int(cmd.VPRO.XEnd+1)*int(cmd.VPRO.YEnd+1)*int(cmd.VPRO.ZEnd+1) - 1
	cmd.VPRO.Nops = uint16(maxInt(0, f.arch.W2RBubbleCycles-implicitWaitCycles))

	cmd.VPRO.LMLaneStride = uint16(f.LMLaneStride)
	return cmd
}

// maxpool2x2VPRO halves the result tile in both dimensions; following
// commands see the pooled memory layout.
func (f *FusedFunc) maxpool2x2VPRO(memLayout *bif.CommandVPRO) bif.CommandSegment {
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO = *memLayout
	cmd.VPRO.Command = bif.VOpMaxPool2x2Fused

	// Nops before the 1st max instruction.
	implicitWaitCycles := (int(cmd.VPRO.XEnd>>1)+1)*int(cmd.VPRO.YEnd+1)*int(cmd.VPRO.ZEnd+1) - 1
	cmd.VPRO.Nops = uint16(maxInt(0, f.arch.W2RBubbleCycles-implicitWaitCycles))

	// Wait cycles before the 2nd max instruction: no explicit nops between
	// instructions, append garbage computation to the 1st max instead.
	implicitWaitCycles = (int(cmd.VPRO.XEnd+1)>>1)*(int(cmd.VPRO.YEnd>>1)+1)*int(cmd.VPRO.ZEnd+1) - 1
	interInstrNops := maxInt(0, f.arch.W2RBubbleCycles-implicitWaitCycles)
	if interInstrNops > 0 {
		// Write garbage behind useful data; append as few cycles as
		// possible. Only happens for small blocks, so there is space.
		switch {
		case cmd.VPRO.ZEnd != 0:
			cmd.VPRO.ZEnd += uint16(ceilDiv(interInstrNops, (int(cmd.VPRO.XEnd>>1)+1)*int(cmd.VPRO.YEnd+1)))
		case cmd.VPRO.YEnd != 0:
			cmd.VPRO.YEnd += uint16(ceilDiv(interInstrNops, int(cmd.VPRO.XEnd>>1)+1))
		default:
			cmd.VPRO.XEnd += uint16(2 * interInstrNops)
		}
	}

	memLayout.XEnd /= 2 // w/2-1 = (w-1)/2
	memLayout.YEnd /= 2
	memLayout.LMChStride /= 4

	return cmd
}

// activationVPRO emits the activation record; the activation function
// determines its own sub-shift amount and pipeline bubbles.
func (f *FusedFunc) activationVPRO(memLayout *bif.CommandVPRO) bif.CommandSegment {
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO = *memLayout
	cmd.VPRO.Command = bif.VOpActivationFused

	// Prepare the shift width of the following shift_store.
	sigmoidFracBits := minInt(14, int(f.RFFracBits))
	outputFracBits := int(f.RFFracBits) - int(f.StoreShiftRight)
	switch f.Activation {
	case bif.Sigmoid:
		memLayout.ShiftRight = int16(sigmoidFracBits - outputFracBits)
	case bif.Swish:
		lmShiftRight := 24 - 16 // transfer width x RF->LM
		nFracBits := sigmoidFracBits + int(f.RFFracBits) - lmShiftRight
		cmd.VPRO.ShiftRight = int16(nFracBits - outputFracBits) // final x*sigmoid(x) multiply
		memLayout.ShiftRight = 0
	default:
		memLayout.ShiftRight = f.StoreShiftRight
	}

	implicitWaitCycles := int(cmd.VPRO.XEnd+1)*int(cmd.VPRO.YEnd+1)*int(cmd.VPRO.ZEnd+1) - 1
	cmd.VPRO.Nops = uint16(maxInt(0, f.arch.W2RBubbleCycles-implicitWaitCycles))

	// relu and leakyrelu use a single instruction; all others need the
	// same wait cycles between their instructions, realised as appended
	// garbage elements.
	if cmd.VPRO.Nops != 0 && f.Activation != bif.Rect && f.Activation != bif.Leaky {
		switch {
		case cmd.VPRO.ZEnd != 0:
			cmd.VPRO.ZEnd += uint16(ceilDiv(int(cmd.VPRO.Nops), int(cmd.VPRO.XEnd+1)*int(cmd.VPRO.YEnd+1)))
		case cmd.VPRO.YEnd != 0:
			cmd.VPRO.YEnd += uint16(ceilDiv(int(cmd.VPRO.Nops), int(cmd.VPRO.XEnd+1)))
		default:
			cmd.VPRO.XEnd += cmd.VPRO.Nops
		}
	}

	return cmd
}

// poolActivationVPRO appends the fused post-processing records in the
// configured order.
func (f *FusedFunc) poolActivationVPRO(memLayout *bif.CommandVPRO) {
	if f.PoolSize[0] > 1 && !f.PoolAfterActivation {
		f.CmdCnt.VPRO++
		f.Commands = append(f.Commands, f.maxpool2x2VPRO(memLayout))
	}
	if f.Activation != bif.NoActivation {
		f.CmdCnt.VPRO++
		f.Commands = append(f.Commands, f.activationVPRO(memLayout))
	}
	if f.PoolSize[0] > 1 && f.PoolAfterActivation {
		f.CmdCnt.VPRO++
		f.Commands = append(f.Commands, f.maxpool2x2VPRO(memLayout))
	}
}
