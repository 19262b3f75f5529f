package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ventoy/vtoycore/internal/utils/logger"
)

var (
	verbose  bool
	platform string
	arch     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vtoycore",
		Short: "image-boot core host harness",
		Long: `vtoycore drives the ventoy image-boot core from a host shell:
enumerate a data partition, inspect chunk lists, build chain data and
validate an install device. The boot-side menu engine invokes the same
dispatcher commands directly.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetVerbose(verbose)
		},
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&platform, "platform", "uefi", "boot platform (bios|uefi)")
	pf.StringVar(&arch, "arch", "x86_64", "cpu architecture (x86_64|i386|arm64|mips64el)")
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})

	rootCmd.AddCommand(createListCommand())
	rootCmd.AddCommand(createChainCommand())
	rootCmd.AddCommand(createCheckCommand())
	rootCmd.AddCommand(createPluginCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
