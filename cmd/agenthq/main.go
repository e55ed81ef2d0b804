package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "agenthq",
		Short: "agenthq — control plane for remote agent PTY sessions",
		Long:  "Brokers PTY sessions between environment daemons and browser clients.",
	}

	root.AddCommand(
		serveCmd(),
		userCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
