package commands

import (
	"github.com/spf13/cobra"

	"github.com/AngelP17/YieldOps/internal/logging"
	"github.com/AngelP17/YieldOps/internal/resilience"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "yieldopsd",
	Short: "YieldOps is the control plane of a simulated semiconductor fab",
	Long: `yieldopsd runs the YieldOps manufacturing control plane: the lot generator,
the constraint-weighted dispatch scheduler, the lot lifecycle processor, the
telemetry simulator, the anomaly sentinel and the HTTP/WebSocket facade.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command. Errors are reported by main, not here.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the process exit code: 2 when the
// repository is unreachable, 1 for configuration and everything else.
func ExitCode(err error) int {
	if resilience.IsUnavailable(err) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}
