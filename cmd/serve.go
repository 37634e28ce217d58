package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"falconeye/internal/app"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Starts the reconcile workers, the pod watcher, the health monitor and,
when configured, the definitions importer and status uplink. Runs until
interrupted; workloads keep running across controller restarts and are
re-adopted on the next sweep.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.New(app.Options{
		ConfigPath: serveConfigPath,
		Debug:      serveDebug,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.yaml")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
