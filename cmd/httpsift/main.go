package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/internal/api"
	"github.com/burpheart/httpsift/internal/httpstream"
	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile     string
	engineLogLevel string
	debug          bool
	personality    string
	framing        string
	logLevel       int
	noColor        bool
	protoFiles     []string
	protoPaths     []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "httpsift",
		Short:         "HTTP traffic normalizer and anomaly detector",
		Long:          `Parses HTTP/1.x conversations the way an IDS sees them: normalized transactions, decoded bodies and a flag for every evasion or protocol anomaly.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "JSON configuration file")
	pf.StringVar(&opts.engineLogLevel, "log-level", "", "Engine log level (error, warning, notice, info, debug)")
	pf.BoolVar(&opts.debug, "debug", false, "Development logging")
	pf.StringVar(&opts.personality, "personality", "", "Server personality (minimal, generic, ids, apache2, iis)")
	pf.StringVar(&opts.framing, "framing", "", "Body framing when both Transfer-Encoding and Content-Length are present (chunked, content-length)")
	pf.IntVar(&opts.logLevel, "output-level", 1, "Transaction log level (0=none, 1=basic, 2=headers, 3=body, 4=debug)")
	pf.BoolVar(&opts.noColor, "no-color", false, "Disable ANSI colors")
	pf.StringSliceVar(&opts.protoFiles, "proto", nil, "Proto files used to decode gRPC messages")
	pf.StringSliceVar(&opts.protoPaths, "proto-path", nil, "Import paths for --proto")

	rootCmd.AddCommand(
		newParseCmd(opts),
		newPcapCmd(opts),
		newTapCmd(opts),
		newFlagsCmd(),
		newStatsCmd(opts),
		newProtoCmd(opts),
	)
	return rootCmd
}

// loadConfig reads --config and applies the flags the user set on top.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if o.configFile != "" {
		loaded, err := types.LoadConfig(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.EngineLogLevel = o.engineLogLevel
	}
	if flags.Changed("personality") {
		cfg.Personality = o.personality
	}
	if flags.Changed("framing") {
		cfg.FramingPrecedence = o.framing
	}
	if flags.Changed("output-level") {
		cfg.LogLevel = types.LogLevel(o.logLevel)
	}
	if flags.Changed("no-color") {
		cfg.Color = !o.noColor
	}
	if flags.Changed("proto") {
		cfg.ProtoFiles = o.protoFiles
	}
	if flags.Changed("proto-path") {
		cfg.ProtoPaths = o.protoPaths
	}
	cfg.DataDir = types.ExpandPath(cfg.DataDir)
	return cfg, nil
}

// newLogger builds the operational logger.
func (o *globalOptions) newLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if o.debug {
		zc = zap.NewDevelopmentConfig()
	}
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

// engineConfig translates the application config into engine options.
func engineConfig(cfg *types.Config, logger *zap.Logger) (*htp.Config, error) {
	personality, err := htp.ParsePersonality(cfg.Personality)
	if err != nil {
		return nil, err
	}
	framing, err := htp.ParseFramingPrecedence(cfg.FramingPrecedence)
	if err != nil {
		return nil, err
	}
	level, err := htp.ParseLogLevel(cfg.EngineLogLevel)
	if err != nil {
		return nil, err
	}
	var sep byte
	switch len(cfg.ParamSeparator) {
	case 0:
	case 1:
		sep = cfg.ParamSeparator[0]
	default:
		return nil, errors.Errorf("param separator %q is not a single byte", cfg.ParamSeparator)
	}

	return htp.NewConfig(
		htp.WithPersonality(personality),
		htp.WithFramingPrecedence(framing),
		htp.WithFieldLimits(cfg.FieldLimitSoft, cfg.FieldLimitHard),
		htp.WithLogger(logger),
		htp.WithLogLevel(level),
		htp.WithRequestDecompression(cfg.RequestDecompress),
		htp.WithParamSeparator(sep),
		htp.WithRawParams(cfg.RawParams),
	), nil
}

// loadRegistry compiles the configured proto files, if any.
func loadRegistry(ctx context.Context, cfg *types.Config) (*httpstream.MessageRegistry, error) {
	if len(cfg.ProtoFiles) == 0 {
		return nil, nil
	}
	return httpstream.LoadProtoFiles(ctx, cfg.ProtoPaths, cfg.ProtoFiles...)
}

// output wires the console logger, the JSONL recorder and the API server
// for the commands that process live or captured traffic.
type output struct {
	console  httpstream.Logger
	recorder *httpstream.Recorder
	api      *api.Server
	addrFile string
	logger   *zap.Logger
}

func newOutput(cfg *types.Config, logger *zap.Logger) (*output, error) {
	o := &output{
		console: httpstream.NewDefaultLogger(
			httpstream.WithLevel(cfg.LogLevel),
			httpstream.WithColor(cfg.Color),
		),
		logger: logger,
	}

	var hub *api.Hub
	if cfg.APIPort > 0 {
		hub = api.NewHub()
	}

	recorderOpts := []httpstream.RecorderOption{
		httpstream.WithRecorderLogLevel(cfg.LogLevel),
		httpstream.WithCacheSize(10000),
	}
	if hub != nil {
		recorderOpts = append(recorderOpts, httpstream.WithOnRecord(func(rec httpstream.Record) {
			hub.Publish(api.Event{Type: rec.Type, Host: rec.Host, Flags: rec.FlagBits(), Record: rec})
		}))
	}

	switch {
	case cfg.RecordFile != "":
		rec, err := httpstream.NewRecorder(types.ExpandPath(cfg.RecordFile), recorderOpts...)
		if err != nil {
			return nil, err
		}
		o.recorder = rec
		logger.Info("recording transactions", zap.String("file", cfg.RecordFile))
	case hub != nil:
		// The API still needs records to serve.
		o.recorder = httpstream.NewRecorderTo(io.Discard, recorderOpts...)
	}

	if hub != nil {
		o.api = api.NewServer("127.0.0.1:"+strconv.Itoa(cfg.APIPort), hub, o.recorder, logger)
		if err := o.api.Start(); err != nil {
			o.recorder.Close()
			return nil, err
		}
		o.writeAddr(cfg.DataDir)
	}
	return o, nil
}

// parserOptions returns the per-connection logger options.
func (o *output) parserOptions(host string) []httpstream.ParserOption {
	if o.recorder == nil {
		return []httpstream.ParserOption{httpstream.WithParserLogger(o.console)}
	}
	session := o.recorder.NewSession(host)
	return []httpstream.ParserOption{
		httpstream.WithParserLogger(httpstream.Tee(o.console, session)),
		httpstream.WithSessionID(session.ID),
	}
}

// writeAddr leaves the API address where the stats command finds it.
func (o *output) writeAddr(dataDir string) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		o.logger.Warn("create data dir", zap.Error(err))
		return
	}
	o.addrFile = filepath.Join(dataDir, "api.addr")
	if err := os.WriteFile(o.addrFile, []byte(o.api.Addr()), 0o644); err != nil {
		o.logger.Warn("write API address file", zap.Error(err))
		o.addrFile = ""
	}
}

func (o *output) Close(ctx context.Context) error {
	if o.api != nil {
		if err := o.api.Stop(ctx); err != nil {
			o.logger.Warn("stop API server", zap.Error(err))
		}
	}
	if o.addrFile != "" {
		os.Remove(o.addrFile)
	}
	if o.recorder != nil {
		return o.recorder.Close()
	}
	return nil
}
