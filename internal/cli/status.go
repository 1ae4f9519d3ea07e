package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiresense/tiresense/internal/domain"
)

func init() {
	statusCmd.Flags().StringVar(&daemonAddr, "addr", "127.0.0.1:8710", "Daemon address")
	rootCmd.AddCommand(statusCmd)
}

var daemonAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system health from a running daemon",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/health", daemonAddr))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()

	var snap domain.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}

	fmt.Printf("Status:   %s\n", snap.Status)
	fmt.Printf("Score:    %.1f / 100\n", snap.Score)
	fmt.Printf("Active:   %d incidents\n", snap.ActiveIncidents)
	if len(snap.Components) > 0 {
		fmt.Println("Components:")
		for name, sev := range snap.Components {
			fmt.Printf("  %-20s %s\n", name, sev)
		}
	}
	return nil
}
