package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/burpheart/httpsift/internal/api"
)

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show counters of a running tap or pcap command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				addr, err = readAPIAddr(cfg.DataDir)
				if err != nil {
					return errors.Wrap(err, "no running instance found (start one with --api-port)")
				}
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/api/stats", addr))
			if err != nil {
				return errors.Wrap(err, "connect to API")
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return errors.Errorf("API returned %s", resp.Status)
			}

			var stats api.Stats
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return errors.Wrap(err, "decode response")
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Statistics:")
			fmt.Fprintf(w, "  Sessions:           %d\n", stats.Sessions)
			fmt.Fprintf(w, "  Records:            %d\n", stats.Records)
			fmt.Fprintf(w, "  Anomalies:          %d\n", stats.Anomalies)
			fmt.Fprintf(w, "  WebSocket Clients:  %d\n", stats.WSClients)
			fmt.Fprintf(w, "  Events Published:   %d\n", stats.Published)
			fmt.Fprintf(w, "  Events Dropped:     %d\n", stats.Dropped)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API address (default: read from <data-dir>/api.addr)")
	return cmd
}

func readAPIAddr(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "api.addr"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
