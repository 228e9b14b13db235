package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/internal/tap"
)

func newTapCmd(opts *globalOptions) *cobra.Command {
	var (
		listen        string
		upstream      string
		upstreamProxy string
		recordFile    string
		apiPort       int
	)

	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Relay a TCP service and inspect its HTTP traffic",
		Long: `Listens for clients and relays each connection to --upstream while mirroring both directions into the engine.
Without --upstream the listener is an HTTP CONNECT proxy and every tunnel is inspected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Upstream = upstream
			}
			if cmd.Flags().Changed("upstream-proxy") {
				cfg.UpstreamProxy = upstreamProxy
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

			engine, err := engineConfig(cfg, logger)
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out, err := newOutput(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := out.Close(ctx); err != nil {
					logger.Warn("close output", zap.Error(err))
				}
			}()

			tapOpts := []tap.Option{
				tap.WithUpstream(cfg.Upstream),
				tap.WithDialer(tap.NewDialer(cfg.UpstreamProxy)),
				tap.WithEngineConfig(engine),
				tap.WithLogger(logger),
				tap.WithParserOptions(out.parserOptions),
			}
			if registry != nil {
				tapOpts = append(tapOpts, tap.WithGRPCRegistry(registry))
			}
			server := tap.NewServer(cfg.Listen, tapOpts...)

			printBanner(cmd, cfg.Listen, cfg.Upstream, cfg.UpstreamProxy, cfg.RecordFile, out)

			if err := server.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down...")
			server.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "Address to accept clients on")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Address every connection is relayed to (empty: act as a CONNECT proxy)")
	cmd.Flags().StringVar(&upstreamProxy, "upstream-proxy", "", "Reach upstreams through a proxy (e.g., socks5://127.0.0.1:1080)")
	cmd.Flags().StringVar(&recordFile, "record", "", "JSONL file for transaction records")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "Serve records over HTTP and WebSocket on this port (0 disables)")
	return cmd
}

func printBanner(cmd *cobra.Command, listen, upstream, upstreamProxy, recordFile string, out *output) {
	w := cmd.ErrOrStderr()
	fmt.Fprintln(w, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║             httpsift tap                 ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Listen:        %-25s║\n", truncateString(listen, 25))
	if upstream != "" {
		fmt.Fprintf(w, "║  Upstream:      %-25s║\n", truncateString(upstream, 25))
	} else {
		fmt.Fprintf(w, "║  Mode:          %-25s║\n", "CONNECT proxy")
	}
	if upstreamProxy != "" {
		fmt.Fprintf(w, "║  Via:           %-25s║\n", truncateString(upstreamProxy, 25))
	}
	if out.api != nil {
		fmt.Fprintf(w, "║  API Server:    %-25s║\n", truncateString(out.api.Addr(), 25))
	}
	if recordFile != "" {
		fmt.Fprintf(w, "║  Record:        %-25s║\n", truncateString(recordFile, 25))
	}
	fmt.Fprintln(w, "╚══════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop...")
	fmt.Fprintln(w)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
