package main

import (
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "taskchat",
		Short:         "Chat gateway that delegates actions to workflows",
		Long:          "Serves a chat API backed by a hosted assistant. Actions the assistant requests are run by Logic App workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		lambdaCmd(),
		chatCmd(),
	)

	if err := root.Execute(); err != nil {
		fatal("command failed", err)
	}
}
