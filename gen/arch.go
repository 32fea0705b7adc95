package gen

// Arch describes the target processor array and the address map the
// compiler plans into. All sizes are in 16-bit words unless noted.
type Arch struct {
	Clusters int `yaml:"clusters" mapstructure:"clusters"`
	Units    int `yaml:"units" mapstructure:"units"`
	Lanes    int `yaml:"lanes" mapstructure:"lanes"`

	LMSize int `yaml:"lm_size" mapstructure:"lm_size"` // local memory words per unit
	RFSize int `yaml:"rf_size" mapstructure:"rf_size"` // register file entries per lane

	// Bit widths of the vector-instruction addressing fields.
	XEndBits   uint `yaml:"x_end_bits" mapstructure:"x_end_bits"`
	YEndBits   uint `yaml:"y_end_bits" mapstructure:"y_end_bits"`
	ZEndBits   uint `yaml:"z_end_bits" mapstructure:"z_end_bits"`
	AlphaBits  uint `yaml:"alpha_bits" mapstructure:"alpha_bits"`
	BetaBits   uint `yaml:"beta_bits" mapstructure:"beta_bits"`
	GammaBits  uint `yaml:"gamma_bits" mapstructure:"gamma_bits"`
	OffsetBits uint `yaml:"offset_bits" mapstructure:"offset_bits"`

	// Write-to-read pipeline depth compensated with nops between dependent
	// vector instructions.
	W2RBubbleCycles int `yaml:"w2r_bubble_cycles" mapstructure:"w2r_bubble_cycles"`

	// Address map (absolute device byte addresses).
	MMProgramBase uint32 `yaml:"mm_program_base" mapstructure:"mm_program_base"`
	MMOutputBase  uint32 `yaml:"mm_output_base" mapstructure:"mm_output_base"`
	MMWeightsBase uint32 `yaml:"mm_weights_base" mapstructure:"mm_weights_base"`
	MMCeiling     uint32 `yaml:"mm_ceiling" mapstructure:"mm_ceiling"`
}

// DefaultArch mirrors the shipped hardware generation.
func DefaultArch() Arch {
	return Arch{
		Clusters:        2,
		Units:           2,
		Lanes:           2,
		LMSize:          8192,
		RFSize:          1024,
		XEndBits:        6,
		YEndBits:        6,
		ZEndBits:        10,
		AlphaBits:       6,
		BetaBits:        6,
		GammaBits:       6,
		OffsetBits:      10,
		W2RBubbleCycles: 10,
		MMProgramBase:   0x06000000,
		MMOutputBase:    0x81000000,
		MMWeightsBase:   0xA0000000,
		MMCeiling:       0xC0000000,
	}
}

// ParallelLanes is the total number of physical lanes in the array.
func (a Arch) ParallelLanes() int { return a.Clusters * a.Units * a.Lanes }

// RFDiscardAddr is the register-file slot results are steered to when they
// must be dropped; everything below it is usable storage.
func (a Arch) RFDiscardAddr() int { return a.RFSize - 1 }

func (a Arch) MaxXEnd() int   { return 1<<a.XEndBits - 1 }
func (a Arch) MaxYEnd() int   { return 1<<a.YEndBits - 1 }
func (a Arch) MaxZEnd() int   { return 1<<a.ZEndBits - 1 }
func (a Arch) MaxAlpha() int  { return 1<<a.AlphaBits - 1 }
func (a Arch) MaxBeta() int   { return 1<<a.BetaBits - 1 }
func (a Arch) MaxGamma() int  { return 1<<a.GammaBits - 1 }
func (a Arch) MaxOffset() int { return 1<<a.OffsetBits - 1 }

// ceilDiv is the roundoff-error-safe integer equivalent of ceil(a/b).
func ceilDiv(a, b int) int { return (a + b - 1) / b }

// roundUp rounds a up to the next multiple; valid for positive numbers.
func roundUp(a, multiple int) int { return ceilDiv(a, multiple) * multiple }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
