package gen

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vpro-eis/netgen/gen/bif"
)

// The network description is a YAML document listing the layers in
// instantiation order. Decoding is strict: unknown keys are errors.

// ShapeSpec is an algorithm-view tensor shape in the description file.
type ShapeSpec struct {
	X  int `yaml:"x"`
	Y  int `yaml:"y"`
	Ch int `yaml:"ch"`
}

// PadSpec is a padding quadruple in the description file.
type PadSpec struct {
	Top    int32 `yaml:"top"`
	Right  int32 `yaml:"right"`
	Bottom int32 `yaml:"bottom"`
	Left   int32 `yaml:"left"`
}

func (p PadSpec) reduced() bif.PadReduced {
	return bif.PadReduced{Top: p.Top, Right: p.Right, Bottom: p.Bottom, Left: p.Left}
}

// PoolSpec configures fused pooling.
type PoolSpec struct {
	Type            string `yaml:"type"` // "max" or "avg"
	Size            int    `yaml:"size"`
	Stride          int    `yaml:"stride"`
	Padding         string `yaml:"padding"`
	AfterActivation bool   `yaml:"after_activation"`
}

// GridSpec configures the dense grid of the point-cloud layers
// (scatter, PointPillars).
type GridSpec struct {
	XMin float64 `yaml:"x_min"`
	XMax float64 `yaml:"x_max"`
	YMin float64 `yaml:"y_min"`
	YMax float64 `yaml:"y_max"`
	Res  float64 `yaml:"res"`

	PoolMode   string `yaml:"pool_mode"` // "none" (default) or "max"
	UseVPRODMA bool   `yaml:"use_vpro_dma"`

	IndexShift int16 `yaml:"index_shift"`
	XMinFixed  int16 `yaml:"x_min_fixed"`
	YMinFixed  int16 `yaml:"y_min_fixed"`
}

// ShiftSpec collects the quantisation shifts of a layer.
type ShiftSpec struct {
	Result     int16 `yaml:"result"`
	Bias       int16 `yaml:"bias"`
	Store      int16 `yaml:"store"`
	RFFracBits int16 `yaml:"rf_frac_bits"`
	AlphaMulh  int16 `yaml:"alpha_mulh"`
	Input0     int16 `yaml:"input0"`
	Input1     int16 `yaml:"input1"`
	PoolAvg    int16 `yaml:"pool_avg"`
	PreShift   int16 `yaml:"pre_shift"`
}

// LayerSpec is one layer entry of the description file.
type LayerSpec struct {
	Name    string   `yaml:"name"`
	Number  int      `yaml:"number"`
	Type    string   `yaml:"type"`
	Sources []string `yaml:"sources"`
	Output  bool     `yaml:"output"`

	Shape ShapeSpec `yaml:"shape"` // input/dynamic_axis/reshape

	OutChannels int    `yaml:"out_channels"`
	Kernel      int    `yaml:"kernel"`
	Stride      int    `yaml:"stride"`
	Dilation    []int  `yaml:"dilation"`
	Padding     string `yaml:"padding"`
	Groups      int    `yaml:"groups"`
	UseBias     bool   `yaml:"use_bias"`
	PreZP       PadSpec `yaml:"pre_zeropadding"`
	OutPadding  PadSpec `yaml:"out_padding"`

	Activation string `yaml:"activation"`
	Alpha      uint16 `yaml:"alpha"`
	Upsampling int    `yaml:"upsampling"`

	Pool   PoolSpec  `yaml:"pool"`
	Shifts ShiftSpec `yaml:"shifts"`

	Multiplier int16 `yaml:"multiplier"`

	Axis      int `yaml:"axis"`
	BlockSize int `yaml:"block_size"`
	Start     int `yaml:"start"`
	Stop      int `yaml:"stop"`

	Grid       GridSpec `yaml:"grid"`
	MaxOffsetX int      `yaml:"max_offset_x"`
	MaxOffsetY int      `yaml:"max_offset_y"`

	WeightsFile string `yaml:"weights_file"`
}

// NetSpec is the root of the description file.
type NetSpec struct {
	Name   string      `yaml:"name"`
	Layers []LayerSpec `yaml:"layers"`
}

// LoadNetSpec parses a description file strictly.
func LoadNetSpec(path string) (*NetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading net description: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec NetSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing net description: %w", err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("net description has no name")
	}
	return &spec, nil
}

func parsePaddingMode(s string) (PaddingMode, error) {
	switch s {
	case "", "same":
		return PadSame, nil
	case "valid":
		return PadValid, nil
	}
	return PadSame, fmt.Errorf("unknown padding mode %q; valid options: same, valid", s)
}

func parseActivation(s string) (bif.Activation, error) {
	switch s {
	case "", "none":
		return bif.NoActivation, nil
	case "relu":
		return bif.Rect, nil
	case "relu6":
		return bif.Relu6, nil
	case "leakyrelu":
		return bif.Leaky, nil
	case "sigmoid":
		return bif.Sigmoid, nil
	case "swish":
		return bif.Swish, nil
	}
	return bif.NoActivation, fmt.Errorf("unknown activation %q", s)
}

func (ls *LayerSpec) applyFused(f *FusedFunc) error {
	act, err := parseActivation(ls.Activation)
	if err != nil {
		return err
	}
	f.Activation = act
	f.Alpha = ls.Alpha
	if ls.Upsampling > 0 {
		f.UpsamplingScale = ls.Upsampling
	}
	f.StoreShiftRight = ls.Shifts.Store
	f.RFFracBits = ls.Shifts.RFFracBits
	f.AlphaMulhShiftRight = ls.Shifts.AlphaMulh
	f.PoolAfterActivation = ls.Pool.AfterActivation

	switch ls.Pool.Type {
	case "":
	case "max":
		f.PoolType = MaxPooling
		f.PoolSize = []int{ls.Pool.Size}
	case "avg":
		f.PoolType = AvgPooling
		f.PoolSize = []int{ls.Pool.Size}
	default:
		return fmt.Errorf("unknown fused pool type %q", ls.Pool.Type)
	}
	return nil
}

func (ls *LayerSpec) applyConv(c *Conv) error {
	if ls.Kernel > 0 {
		c.KernelLength = ls.Kernel
	}
	if ls.Stride > 0 {
		c.Stride = ls.Stride
	}
	c.DilationRate = ls.Dilation
	c.UseBias = ls.UseBias
	c.PreZP = ls.PreZP.reduced()
	pm, err := parsePaddingMode(ls.Padding)
	if err != nil {
		return err
	}
	c.PaddingMode = pm
	c.ResultShiftRight = ls.Shifts.Result
	c.BiasShiftRight = ls.Shifts.Bias
	if ls.Groups > 0 {
		c.Groups = ls.Groups
	}
	c.OutDim.Ch = ls.OutChannels
	return ls.applyFused(&c.FusedFunc)
}

// BuildNet instantiates the layer graph of a description file for the
// given hardware.
func BuildNet(spec *NetSpec, arch Arch) (*Net, error) {
	n := NewNet(spec.Name, arch)
	byName := make(map[string]Layer, len(spec.Layers))

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		if ls.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := byName[ls.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", ls.Name)
		}

		var layer Layer
		switch ls.Type {
		case "input":
			layer = NewInput(ls.Name, ls.Number, ls.Shape.X, ls.Shape.Y, ls.Shape.Ch)

		case "dynamic_axis":
			da := NewDynamicAxis(ls.Name, ls.Number, ls.Shape.X, ls.Shape.Y, ls.Shape.Ch)
			da.Axis = int16(ls.Axis)
			layer = da

		case "conv1d":
			c := NewConv1D(ls.Name, ls.Number)
			if err := ls.applyConv(&c.Conv); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			layer = c

		case "conv2d":
			c := NewConv2D(ls.Name, ls.Number)
			if err := ls.applyConv(&c.Conv); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			layer = c

		case "conv2d_transpose":
			c := NewConv2DTranspose(ls.Name, ls.Number)
			if err := ls.applyConv(&c.Conv); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			c.OutPadding = ls.OutPadding.reduced()
			layer = c

		case "maxpool2d":
			p := NewMaxPool2D(ls.Name, ls.Number)
			p.PoolSize = []int{ls.Pool.Size, ls.Pool.Size}
			if ls.Pool.Stride > 0 {
				p.PoolStride = []int{ls.Pool.Stride, ls.Pool.Stride}
			}
			pm, err := parsePaddingMode(ls.Pool.Padding)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			p.PoolPaddingMode = pm
			p.OutDim.Ch = ls.OutChannels
			layer = p

		case "avgpool2d":
			p := NewAvgPool2D(ls.Name, ls.Number)
			p.PoolSize = []int{ls.Pool.Size}
			if ls.Pool.Stride > 0 {
				p.PoolStride = []int{ls.Pool.Stride}
			}
			pm, err := parsePaddingMode(ls.Pool.Padding)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			p.PoolPaddingMode = pm
			p.StoreShiftRight = ls.Shifts.Store
			p.PoolAvgShiftR = ls.Shifts.PoolAvg
			layer = p

		case "global_avgpool2d":
			g := NewGlobalAvgPool2D(ls.Name, ls.Number)
			g.PreShiftRight = ls.Shifts.PreShift
			g.Multiplier = ls.Multiplier
			g.StoreShiftRight = ls.Shifts.Store
			g.PoolAvgShiftR = ls.Shifts.PoolAvg
			layer = g

		case "global_maxpool2d":
			g := NewGlobalMaxPool2D(ls.Name, ls.Number)
			g.StoreShiftRight = ls.Shifts.Store
			layer = g

		case "add":
			a := NewAdd(ls.Name, ls.Number)
			a.InputShiftLeft0 = ls.Shifts.Input0
			a.InputShiftLeft1 = ls.Shifts.Input1
			if err := ls.applyFused(&a.FusedFunc); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			layer = a

		case "mul":
			m := NewMul(ls.Name, ls.Number)
			m.InputShiftLeft0 = ls.Shifts.Input0
			m.InputShiftLeft1 = ls.Shifts.Input1
			m.MulhShiftRight = ls.Shifts.Result
			if err := ls.applyFused(&m.FusedFunc); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			layer = m

		case "concatenate":
			c := NewConcatenate(ls.Name, ls.Number)
			c.Axis = ls.Axis
			layer = c

		case "depth_to_space":
			d := NewDepthToSpace(ls.Name, ls.Number)
			if ls.BlockSize > 0 {
				d.BlockSize = ls.BlockSize
			}
			layer = d

		case "reshape":
			layer = NewReshape(ls.Name, ls.Number, ls.Shape.X, ls.Shape.Y, ls.Shape.Ch)

		case "slice_channel":
			stop := ls.Stop
			if stop == 0 {
				stop = -1
			}
			layer = NewSliceChannel(ls.Name, ls.Number, ls.Start, stop)

		case "scatter_to_grid":
			sc := NewScatterToGrid(ls.Name, ls.Number)
			sc.XMin, sc.XMax = ls.Grid.XMin, ls.Grid.XMax
			sc.YMin, sc.YMax = ls.Grid.YMin, ls.Grid.YMax
			sc.Res = ls.Grid.Res
			switch ls.Grid.PoolMode {
			case "", "none":
				sc.PoolMode = ScatterPoolNone
			case "max":
				sc.PoolMode = ScatterPoolMax
			default:
				return nil, fmt.Errorf("layer %q: unknown scatter pool mode %q", ls.Name, ls.Grid.PoolMode)
			}
			sc.UseVPRODMA = ls.Grid.UseVPRODMA
			sc.IndexShift = ls.Grid.IndexShift
			sc.XMinFixed = ls.Grid.XMinFixed
			sc.YMinFixed = ls.Grid.YMinFixed
			layer = sc

		case "pointpillars":
			p := NewPointPillars(ls.Name, ls.Number)
			if err := ls.applyConv(&p.Conv); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			p.XMin, p.XMax = ls.Grid.XMin, ls.Grid.XMax
			p.YMin, p.YMax = ls.Grid.YMin, ls.Grid.YMax
			p.Res = ls.Grid.Res
			layer = p

		case "dconv_deform":
			d := NewDConvDeform(ls.Name, ls.Number)
			if ls.Kernel > 0 {
				d.KernelSize = ls.Kernel
			}
			if ls.MaxOffsetX > 0 {
				d.MaxOffsetX = ls.MaxOffsetX
			}
			if ls.MaxOffsetY > 0 {
				d.MaxOffsetY = ls.MaxOffsetY
			}
			if ls.Shifts.Result != 0 {
				d.ResultShiftRight = ls.Shifts.Result
			}
			layer = d

		case "dconv_conv":
			c := NewDConvConv(ls.Name, ls.Number)
			if err := ls.applyConv(&c.Conv); err != nil {
				return nil, fmt.Errorf("layer %q: %w", ls.Name, err)
			}
			layer = c

		default:
			return nil, fmt.Errorf("layer %q: unknown layer type %q", ls.Name, ls.Type)
		}

		b := layer.Base()
		b.OutIsResult = ls.Output
		if ls.WeightsFile != "" {
			b.WeightsFname = ls.WeightsFile
		}

		n.AddLayer(layer)
		byName[ls.Name] = layer

		srcs := make([]Layer, 0, len(ls.Sources))
		for _, srcName := range ls.Sources {
			src, ok := byName[srcName]
			if !ok {
				return nil, fmt.Errorf("layer %q: unknown source %q (sources must be declared first)", ls.Name, srcName)
			}
			srcs = append(srcs, src)
		}
		b.AddSrcLayers(srcs...)
	}

	return n, nil
}

// LoadLayerWeights reads the weight file of every layer that expects one.
func (n *Net) LoadLayerWeights() error {
	for _, l := range n.Layers {
		b := l.Base()
		if b.WeightsLoaded {
			continue
		}
		if gw, ok := l.(interface{ GenerateWeights() }); ok && b.WeightsFname == "" {
			gw.GenerateWeights()
			continue
		}
		if l.ExpectedWeightCount() == 0 {
			continue
		}
		if err := b.LoadWeights(""); err != nil {
			return err
		}
	}
	return nil
}
