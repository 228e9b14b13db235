package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/internal/capture"
)

func newPcapCmd(opts *globalOptions) *cobra.Command {
	var (
		workers     int
		serverPorts []int
		recordFile  string
		apiPort     int
		summaryJSON bool
	)

	cmd := &cobra.Command{
		Use:   "pcap [flags] files...",
		Short: "Reassemble HTTP conversations from capture files",
		Long:  `Reads pcap and pcapng files, reassembles every TCP connection and runs it through the engine. Files are processed in parallel.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("server-port") {
				cfg.ServerPorts = serverPorts
			}
			if cmd.Flags().Changed("record") {
				cfg.RecordFile = recordFile
			}
			if cmd.Flags().Changed("api-port") {
				cfg.APIPort = apiPort
			}

			logger, err := opts.newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := engineConfig(cfg, logger)
			if err != nil {
				return err
			}
			registry, err := loadRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			out, err := newOutput(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := out.Close(closeCtx); err != nil {
					logger.Warn("close output", zap.Error(err))
				}
			}()

			ports := make([]uint16, 0, len(cfg.ServerPorts))
			for _, p := range cfg.ServerPorts {
				if p <= 0 || p > 65535 {
					return errors.Errorf("invalid server port %d", p)
				}
				ports = append(ports, uint16(p))
			}

			procOpts := []capture.Option{
				capture.WithServerPorts(ports...),
				capture.WithEngineConfig(engine),
				capture.WithLogger(logger),
				capture.WithParserOptions(out.parserOptions),
			}
			if registry != nil {
				procOpts = append(procOpts, capture.WithGRPCRegistry(registry))
			}
			proc := capture.NewProcessor(procOpts...)

			results, err := proc.ProcessFiles(ctx, args, cfg.Workers)
			w := cmd.OutOrStdout()
			for _, stats := range results {
				if stats == nil {
					continue
				}
				if summaryJSON {
					json.NewEncoder(w).Encode(stats)
					continue
				}
				fmt.Fprintf(w, "%s: %d packets, %d connections, %d transactions, %d with anomalies, %d gaps, %d tls\n",
					stats.File, stats.Packets, stats.Connections, stats.Transactions, stats.Anomalies, stats.Gaps, stats.TLS)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "Files processed in parallel")
	cmd.Flags().IntSliceVar(&serverPorts, "server-port", nil, "Ports that identify the server side (default 80,8000,8080,8888)")
	cmd.Flags().StringVar(&recordFile, "record", "", "JSONL file for transaction records")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "Serve records over HTTP and WebSocket on this port (0 disables)")
	cmd.Flags().BoolVar(&summaryJSON, "summary-json", false, "Print per-file statistics as JSON lines")
	return cmd
}
