package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ventoy/vtoycore/internal/dispatch"
)

var (
	chainType string
	chainOut  string
)

// createChainCommand creates the chain subcommand.
func createChainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain [flags] DEVICE IMAGE_PATH",
		Short: "build the chain head for one image selection",
		Long: `chain resolves the image's extents, applies the per-format
injection and writes the composed chain head blob. The image path is
absolute within the data partition.`,
		Args: cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch chainType {
			case "linux", "windows", "raw":
				return nil
			default:
				return fmt.Errorf("unsupported --type %q (supported: linux, windows, raw)", chainType)
			}
		},
		RunE: executeChain,
	}
	cmd.Flags().StringVar(&chainType, "type", "linux", "chain flavor (linux|windows|raw)")
	cmd.Flags().StringVarP(&chainOut, "output", "o", "", "write the chain blob to a file")
	return cmd
}

func executeChain(cmd *cobra.Command, args []string) error {
	s, cleanup, err := openState(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	d := dispatch.New()
	var out strings.Builder
	if rc := d.Run(s, "vt_load_plugin", nil, &out); rc != 0 {
		return fmt.Errorf("vt_load_plugin failed with code %d", rc)
	}

	name := "vt_" + chainType + "_chain_data"
	if rc := d.Run(s, name, []string{args[1]}, &out); rc != 0 {
		return fmt.Errorf("%s failed with code %d", name, rc)
	}

	head := s.Head
	fmt.Printf("chain head: %d bytes, %d chunks, %d overrides, %d virts\n",
		len(head.Blob), head.ImgChunkNum, head.OverrideChunkNum, head.VirtChunkNum)

	var dump strings.Builder
	if rc := d.Run(s, "vt_dump_img_sector", nil, &dump); rc == 0 {
		fmt.Print(dump.String())
	}

	if chainOut != "" {
		if err := os.WriteFile(chainOut, head.Blob, 0644); err != nil {
			return fmt.Errorf("write %s: %w", chainOut, err)
		}
		fmt.Printf("wrote %s\n", chainOut)
	}
	return nil
}
