// cmd/arch_config.go
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vpro-eis/netgen/gen"
)

// LoadArchConfig resolves the target architecture: built-in defaults,
// optionally overridden by a netgen.yaml in the working directory (or an
// explicit file) and NETGEN_* environment variables.
func LoadArchConfig(explicitFile string) gen.Arch {
	v := viper.New()
	v.SetEnvPrefix("netgen")
	v.AutomaticEnv()

	def := gen.DefaultArch()
	v.SetDefault("clusters", def.Clusters)
	v.SetDefault("units", def.Units)
	v.SetDefault("lanes", def.Lanes)
	v.SetDefault("lm_size", def.LMSize)
	v.SetDefault("rf_size", def.RFSize)
	v.SetDefault("x_end_bits", def.XEndBits)
	v.SetDefault("y_end_bits", def.YEndBits)
	v.SetDefault("z_end_bits", def.ZEndBits)
	v.SetDefault("alpha_bits", def.AlphaBits)
	v.SetDefault("beta_bits", def.BetaBits)
	v.SetDefault("gamma_bits", def.GammaBits)
	v.SetDefault("offset_bits", def.OffsetBits)
	v.SetDefault("w2r_bubble_cycles", def.W2RBubbleCycles)
	v.SetDefault("mm_program_base", def.MMProgramBase)
	v.SetDefault("mm_output_base", def.MMOutputBase)
	v.SetDefault("mm_weights_base", def.MMWeightsBase)
	v.SetDefault("mm_ceiling", def.MMCeiling)

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
		if err := v.ReadInConfig(); err != nil {
			logrus.Fatalf("Failed to read architecture config: %v", err)
		}
	} else {
		v.SetConfigName("netgen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				logrus.Fatalf("Failed to read netgen.yaml: %v", err)
			}
		}
	}

	var arch gen.Arch
	if err := v.Unmarshal(&arch); err != nil {
		logrus.Fatalf("Failed to parse architecture config: %v", err)
	}
	return arch
}
