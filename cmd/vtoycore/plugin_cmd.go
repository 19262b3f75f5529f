package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ventoy/vtoycore/internal/plugin"
)

// createPluginCommand creates the plugin subcommand.
func createPluginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugin CONFIG_FILE",
		Short: "parse a ventoy.json / ventoy.yaml and dump the loaded tables",
		Args:  cobra.ExactArgs(1),
		RunE:  executePlugin,
	}
}

func executePlugin(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	isYaml := strings.HasSuffix(args[0], ".yaml") || strings.HasSuffix(args[0], ".yml")
	store, err := plugin.Load(data, isYaml)
	if err != nil {
		return err
	}

	fmt.Printf("control:       %d\n", len(store.Control))
	fmt.Printf("auto_install:  %d\n", len(store.AutoInstall))
	fmt.Printf("persistence:   %d\n", len(store.Persistence))
	fmt.Printf("injection:     %d\n", len(store.Injection))
	fmt.Printf("conf_replace:  %d\n", len(store.ConfReplace))
	fmt.Printf("menu_alias:    %d\n", len(store.MenuAlias))
	fmt.Printf("menu_class:    %d\n", len(store.MenuClass))
	fmt.Printf("menu_tip:      %d\n", len(store.MenuTip))
	fmt.Printf("menu_password: %d\n", len(store.MenuPass))
	fmt.Printf("dud:           %d\n", len(store.Dud))
	if len(store.ImageList) > 0 {
		mode := "allow"
		if store.IsBlacklist {
			mode = "deny"
		}
		fmt.Printf("image_list:    %d (%s)\n", len(store.ImageList), mode)
	}
	if store.Theme != nil {
		fmt.Printf("theme:         %s\n", store.Theme.File)
	}
	return nil
}
