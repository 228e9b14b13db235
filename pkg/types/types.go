// Package types defines common types shared by the engine and its tooling.
package types

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LogLevel for caller-side transaction logging.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelBasic
	LogLevelHeaders
	LogLevelBody
	LogLevelDebug
)

// Config holds the application configuration.
type Config struct {
	APIPort    int    `json:"api_port"` // 0 disables the API server
	DataDir    string `json:"data_dir"`
	RecordFile string `json:"record_file"` // JSONL file for transaction records

	// Engine options
	Personality       string `json:"personality"`        // minimal, generic, ids, apache2, iis
	FramingPrecedence string `json:"framing_precedence"` // chunked or content-length
	EngineLogLevel    string `json:"engine_log_level"`   // error, warning, notice, info, debug
	RequestDecompress bool   `json:"request_decompress"`
	FieldLimitSoft    int    `json:"field_limit_soft"`
	FieldLimitHard    int    `json:"field_limit_hard"`
	ParamSeparator    string `json:"param_separator"` // one byte, default "&"
	RawParams         bool   `json:"raw_params"`

	// Output options
	LogLevel LogLevel `json:"log_level"` // transaction log verbosity
	Color    bool     `json:"color"`

	// Capture options
	Workers     int   `json:"workers"`
	ServerPorts []int `json:"server_ports"`

	// Tap options
	Listen        string `json:"listen"`
	Upstream      string `json:"upstream"`
	UpstreamProxy string `json:"upstream_proxy"` // http://, socks5:// or empty for direct

	// gRPC schemas for typed message decoding
	ProtoFiles []string `json:"proto_files"`
	ProtoPaths []string `json:"proto_paths"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIPort:           0,
		DataDir:           "~/.httpsift",
		Personality:       "ids",
		FramingPrecedence: "chunked",
		EngineLogLevel:    "notice",
		FieldLimitSoft:    9000,
		FieldLimitHard:    18000,
		LogLevel:          LogLevelBasic,
		Color:             true,
		Workers:           4,
		ServerPorts:       []int{80, 8000, 8080, 8888},
		Listen:            "127.0.0.1:8080",
	}
}

// LoadConfig reads a JSON configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
