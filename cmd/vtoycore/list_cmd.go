package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/core"
	"github.com/ventoy/vtoycore/internal/dispatch"
)

var listFlat bool

// createListCommand creates the list subcommand.
func createListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [flags] DEVICE",
		Short: "enumerate bootable images on a ventoy device",
		Args:  cobra.ExactArgs(1),
		RunE:  executeList,
	}
	cmd.Flags().BoolVar(&listFlat, "flat", false, "emit the flat list instead of the tree")
	return cmd
}

func executeList(cmd *cobra.Command, args []string) error {
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
	name := "vt_list_img"
	if listFlat {
		name = "vt_list_img_flat"
	}
	if rc := d.Run(s, name, nil, &out); rc != 0 {
		return fmt.Errorf("%s failed with code %d", name, rc)
	}
	fmt.Print(out.String())
	return nil
}

// openState opens the device and binds a core state to it.
func openState(dev string) (*core.State, func(), error) {
	d, err := blockdev.Open(dev)
	if err != nil {
		return nil, nil, err
	}
	plat := core.PlatformUEFI
	if platform == "bios" {
		plat = core.PlatformBIOS
	}
	s, err := core.New(d, plat, arch)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return s, func() { d.Close() }, nil
}
