package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tiresense/tiresense/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane daemon",
	Long:  `Start the workers and the ops HTTP surface at localhost:8710.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	daemon.SetVersion(rootCmd.Version)
	d, err := daemon.New()
	if err != nil {
		return err
	}

	if serveHost != "" {
		d.Config.API.Host = serveHost
	}
	if servePort > 0 {
		d.Config.API.Port = servePort
	}

	return d.Serve(context.Background())
}
