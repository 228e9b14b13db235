package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/internal/httpstream"
	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// parsedTransaction is one line of parse --json output.
type parsedTransaction struct {
	Incomplete bool             `json:"incomplete,omitempty"`
	Flags      []string         `json:"flag_names,omitempty"`
	Tx         *htp.Transaction `json:"transaction"`
}

func newParseCmd(opts *globalOptions) *cobra.Command {
	var (
		requestFile  string
		responseFile string
		chunk        int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse a recorded request and response stream",
		Long:  `Feeds the client-to-server and server-to-client byte streams of one connection to the engine, optionally in small chunks, and prints the transactions it finds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestFile == "" && responseFile == "" {
				return errors.New("at least one of --request and --response is required")
			}
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := opts.newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			request, err := readOptional(requestFile)
			if err != nil {
				return err
			}
			response, err := readOptional(responseFile)
			if err != nil {
				return err
			}

			engine, err := engineConfig(cfg, logger)
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var console httpstream.Logger = httpstream.NewDefaultLogger(
				httpstream.WithOutput(out),
				httpstream.WithLevel(cfg.LogLevel),
				httpstream.WithColor(cfg.Color),
			)
			var enc *json.Encoder
			if asJSON {
				console = httpstream.NopLogger{}
				enc = json.NewEncoder(out)
			}

			var count, anomalies int
			parserOpts := []httpstream.ParserOption{
				httpstream.WithEngineConfig(engine),
				httpstream.WithParserLogger(console),
				httpstream.WithOnTransaction(func(ex *httpstream.Exchange) {
					count++
					if ex.Tx.Flags != 0 {
						anomalies++
					}
					if enc != nil {
						enc.Encode(parsedTransaction{
							Incomplete: ex.Incomplete,
							Flags:      ex.Tx.Flags.Names(),
							Tx:         ex.Tx,
						})
					}
				}),
			}
			if registry != nil {
				parserOpts = append(parserOpts, httpstream.WithGRPCRegistry(registry))
			}

			p := httpstream.NewParser("", parserOpts...)
			feedStreams(p, request, response, chunk, time.Now())

			logger.Debug("parse finished",
				zap.Int("transactions", count),
				zap.Int("anomalies", anomalies),
				zap.Int("log_entries", len(p.Connection().Messages())))
			if !asJSON {
				fmt.Fprintf(out, "%d transaction(s), %d with anomalies\n", count, anomalies)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&requestFile, "request", "", "File holding the client-to-server bytes")
	cmd.Flags().StringVar(&responseFile, "response", "", "File holding the server-to-client bytes")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "Feed the streams in chunks of this many bytes (0 feeds them whole)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print transactions as JSON lines")
	return cmd
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open stream file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// feedStreams alternates chunks of both directions, then closes the
// session.
func feedStreams(p *httpstream.Parser, request, response []byte, chunk int, ts time.Time) {
	if chunk <= 0 {
		chunk = len(request) + len(response) + 1
	}
	for len(request) > 0 || len(response) > 0 {
		if len(request) > 0 {
			n := min(chunk, len(request))
			p.Feed(types.ClientToServer, ts, request[:n])
			request = request[n:]
		}
		if len(response) > 0 {
			n := min(chunk, len(response))
			p.Feed(types.ServerToClient, ts, response[:n])
			response = response[n:]
		}
	}
	p.Close(ts)
}
