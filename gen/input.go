package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// Input represents a CNN input: its "output" is the externally provided
// feature map, so it neither computes nor produces binary data.
type Input struct {
	LayerBase
}

// NewInput creates an input layer with the given algorithm-view shape.
func NewInput(name string, number int, x, y, ch int) *Input {
	l := &Input{}
	l.initBase(l)
	l.Name = name
	l.Number = number
	l.OutDim = Dim{X: x, Y: y, Ch: ch}
	l.ProducesBinaryData = false
	l.IsInputLayer = true
	l.Padding.Enabled = false
	return l
}

func (i *Input) TypeName() string { return "Input" }

func (i *Input) LayerType() bif.LayerType { return bif.LTInput }

func (i *Input) ProcessParams() error {
	if i.Groups == groupsUnset {
		i.Groups = 1
	}
	if i.LMLaneStride == strideUnset {
		i.LMLaneStride = i.arch.RFSize
	}
	return nil
}

func (i *Input) ComputeOutputDim() error { return nil }

func (i *Input) GenerateSegments() error { return nil }

func (i *Input) GenerateCommands() error {
	i.CmdCnt = CmdCount{}
	i.Commands = i.Commands[:0]
	return nil
}

// DynamicAxis is an input whose length along one axis is only known at
// run time; the runtime patches the per-run length into the layer record.
type DynamicAxis struct {
	Input

	Axis int16
}

func NewDynamicAxis(name string, number int, x, y, ch int) *DynamicAxis {
	l := &DynamicAxis{}
	l.initBase(l)
	l.Name = name
	l.Number = number
	l.OutDim = Dim{X: x, Y: y, Ch: ch}
	l.IsInputLayer = true
	l.Padding.Enabled = false
	l.ProducesBinaryData = true
	l.UseDynamicShape = true
	return l
}

func (d *DynamicAxis) TypeName() string { return "DynamicAxis" }

func (d *DynamicAxis) LayerType() bif.LayerType { return bif.LTDynamicAxis }

func (d *DynamicAxis) GenerateBifLayer(bl *bif.LayerHeader) {
	bl.InChannels = uint32(d.OutDim.Ch)
	bl.OutChannels = uint32(d.OutDim.Ch)
	bl.Number = int32(d.Number)
	bl.Type = d.LayerType()
	bl.Axis = int32(d.Axis)
	bl.DynamicShape = true

	bl.Output = bif.MMData{
		MMBase:   d.OutDim.MM.Base,
		X:        uint32(d.OutDim.X),
		Y:        uint32(d.OutDim.Y),
		YStride:  uint32(d.OutDim.MM.X),
		Channels: uint32(d.OutDim.Ch),
	}
}

func (d *DynamicAxis) ProcessParams() error {
	if d.Axis != 0 {
		return layerError(d, ErrShape, "only a dynamic x-axis is supported")
	}
	return d.Input.ProcessParams()
}
