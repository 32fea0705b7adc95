// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vpro-eis/netgen/gen"
)

var (
	logLevel     string
	outputDir    string
	cacheDir     string
	runDecoupled bool
	archFile     string
)

var rootCmd = &cobra.Command{
	Use:   "netgen",
	Short: "Offline network-to-command compiler for the VPRO accelerator",
}

var generateCmd = &cobra.Command{
	Use:   "generate <net.yaml>",
	Short: "Compile a network description into program and weight blobs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		arch := LoadArchConfig(archFile)
		logrus.Infof("Compiling for %dc%du%dl, LM %d, RF %d",
			arch.Clusters, arch.Units, arch.Lanes, arch.LMSize, arch.RFSize)

		spec, err := gen.LoadNetSpec(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		net, err := gen.BuildNet(spec, arch)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		net.RunLayersDecoupled = runDecoupled
		if outputDir != "" {
			if err := os.MkdirAll(outputDir, 0o777); err != nil {
				logrus.Fatalf("Creating output directory: %v", err)
			}
			if err := os.Chdir(outputDir); err != nil {
				logrus.Fatalf("Entering output directory: %v", err)
			}
		}
		gen.SetConv1x1CacheDir(cacheDir)

		if err := net.Generate(); err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Infof("Compilation of '%s' complete.", net.Name)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	generateCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	generateCmd.Flags().StringVar(&outputDir, "out", "", "Directory to place generated/, init/ and exit/ in (default: working directory)")
	generateCmd.Flags().StringVar(&cacheDir, "cache", "cache", "Segmentation cache directory (empty disables the cache)")
	generateCmd.Flags().BoolVar(&runDecoupled, "decoupled", false, "Execute layers independently in reverse order (per-layer testing)")
	generateCmd.Flags().StringVar(&archFile, "arch", "", "Architecture config file (default: netgen.yaml if present)")

	rootCmd.AddCommand(generateCmd)
}
