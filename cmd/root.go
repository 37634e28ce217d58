package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the falconeye controller binary.
var rootCmd = &cobra.Command{
	Use:   "falconeye",
	Short: "Camera and agent workload controller",
	Long: `falconeye converges declared camera and agent entities into live,
correctly-placed Kubernetes workloads: it reconciles desired state against
the cluster, repairs drift, routes control and media traffic to the running
workload, and manages recordings.`,
	// Errors are reported by Execute; usage spam on handled errors only
	// obscures them.
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "falconeye version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
}
