package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiresense/tiresense/internal/domain"
)

func init() {
	incidentsCmd.Flags().StringVar(&daemonAddr, "addr", "127.0.0.1:8710", "Daemon address")
	incidentsCmd.Flags().BoolVar(&incidentsOpen, "open", false, "Only unresolved incidents")
	incidentsCmd.Flags().StringVar(&incidentsSubject, "subject", "", "Filter by subject")
	rootCmd.AddCommand(incidentsCmd)
}

var (
	incidentsOpen    bool
	incidentsSubject string
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List incidents from a running daemon",
	RunE:  runIncidents,
}

func runIncidents(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if incidentsOpen {
		q.Set("unresolved", "true")
	}
	if incidentsSubject != "" {
		q.Set("subject", incidentsSubject)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/incidents?%s", daemonAddr, q.Encode()))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()

	var body struct {
		Incidents []domain.Incident `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode incidents: %w", err)
	}
	if len(body.Incidents) == 0 {
		fmt.Println("No incidents.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tKIND\tSEVERITY\tCONFIDENCE\tOBSERVED\tRESOLVED")
	for _, inc := range body.Incidents {
		resolved := "-"
		if !inc.ResolvedAt.IsZero() {
			resolved = inc.ResolvedAt.Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			inc.Subject, inc.Kind, inc.Severity, inc.Confidence,
			inc.ObservedAt.Format("01-02 15:04:05"), resolved)
	}
	return w.Flush()
}
