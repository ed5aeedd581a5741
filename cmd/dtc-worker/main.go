package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dtc-worker",
		Short: "Background jobs for the Digital Time Capsule service",
		Long: `dtc-worker runs the scheduled jobs of the Digital Time Capsule service:
the daily storage usage report sent to Stripe and the delivery of capsules
whose time has come. Jobs take a redis lock when redis is configured, so
several workers can run side by side.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(
		newRunCommand(),
		newReportUsageCommand(),
		newDeliverCommand(),
		newMigrateCommand(),
	)
	return root
}
