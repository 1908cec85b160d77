package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	parleyversion "github.com/parley-ai/parley/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "parley",
		Short:         "Parley - real-time conversational session orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = parleyversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), parleyversion.String())
		},
	}
}
