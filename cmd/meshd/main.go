package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "meshd",
		Short:         "Checkpoint and resume engine for the agent mesh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	root.AddCommand(
		migrateCMD(&cfgPath),
		serveCMD(&cfgPath),
		workerCMD(&cfgPath),
		sweepCMD(&cfgPath),
		schedulerCMD(&cfgPath),
		runCMD(&cfgPath),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
