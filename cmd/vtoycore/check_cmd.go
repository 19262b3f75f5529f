package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ventoy/vtoycore/internal/install"
)

// createCheckCommand creates the check subcommand.
func createCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check DEVICE",
		Short: "verify a device carries a standard ventoy install layout",
		Args:  cobra.ExactArgs(1),
		RunE:  executeCheck,
	}
}

func executeCheck(cmd *cobra.Command, args []string) error {
	rep, err := install.Check(args[0])
	if err != nil {
		if rep != nil {
			fmt.Println("!!! This is NOT a standard Ventoy device !!!")
			fmt.Println("!!! The boot chain on it cannot be trusted !!!")
			fmt.Printf("!!! %v !!!\n", err)
		}
		return err
	}
	fmt.Printf("table: %s\n", rep.TableType)
	fmt.Printf("data partition:    lba %d, %d sectors\n", rep.DataStartLBA, rep.DataSectors)
	fmt.Printf("install partition: lba %d, %d sectors\n", rep.InstallStartLBA, rep.InstallSectors)
	fmt.Println("layout OK")
	return nil
}
