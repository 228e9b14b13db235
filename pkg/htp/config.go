// Package htp is the HTTP traffic normalization engine. A ConnectionParser
// consumes the raw request and response byte streams of one connection in
// arbitrary pieces, rebuilds the transactions they carry and raises anomaly
// flags for every evasive or malformed construct it meets.
package htp

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
	"github.com/burpheart/httpsift/pkg/urlencoded"
)

const (
	defaultFieldLimitSoft = 9000
	defaultFieldLimitHard = 18000

	// headerRepetitionLimit caps how many values are joined into one header.
	headerRepetitionLimit = 64
	// foldingLimit is the continuation line count after which a field is long.
	foldingLimit = 64
)

// Personality selects a preset of decoder settings that mimics a class of
// server.
type Personality int

const (
	PersonalityMinimal Personality = iota
	PersonalityGeneric
	PersonalityIDS
	PersonalityApache2
	PersonalityIIS
)

var personalityNames = map[Personality]string{
	PersonalityMinimal: "minimal",
	PersonalityGeneric: "generic",
	PersonalityIDS:     "ids",
	PersonalityApache2: "apache2",
	PersonalityIIS:     "iis",
}

func (p Personality) String() string {
	if name, ok := personalityNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePersonality maps a personality name to its value.
func ParsePersonality(name string) (Personality, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range personalityNames {
		if n == name {
			return p, nil
		}
	}
	return PersonalityIDS, errors.Errorf("unknown personality %q", name)
}

// FramingPrecedence decides which header frames a body when both
// Transfer-Encoding: chunked and Content-Length are present.
type FramingPrecedence int

const (
	FramingChunked FramingPrecedence = iota
	FramingContentLength
)

func (f FramingPrecedence) String() string {
	if f == FramingContentLength {
		return "content-length"
	}
	return "chunked"
}

// ParseFramingPrecedence maps "chunked" or "content-length" to a value.
func ParseFramingPrecedence(name string) (FramingPrecedence, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chunked", "":
		return FramingChunked, nil
	case "content-length", "cl":
		return FramingContentLength, nil
	}
	return FramingChunked, errors.Errorf("unknown framing precedence %q", name)
}

// TxHook is called at transaction milestones.
type TxHook func(tx *Transaction) types.Status

// DataHook receives body data. The slice is only valid during the call.
type DataHook func(tx *Transaction, data []byte) types.Status

// FileDataHook receives the bytes of uploaded files.
type FileDataHook func(tx *Transaction, file *FileData) types.Status

// LogHook observes every recorded diagnostic.
type LogHook func(entry *LogEntry)

// Hooks are optional callbacks. A hook returning types.StatusStop pauses
// the direction being parsed; types.StatusError aborts it.
type Hooks struct {
	RequestStart        TxHook
	RequestLine         TxHook
	RequestHeaders      TxHook
	RequestBodyData     DataHook
	RequestTrailer      TxHook
	RequestComplete     TxHook
	RequestFileData     FileDataHook
	ResponseStart       TxHook
	ResponseLine        TxHook
	ResponseHeaders     TxHook
	ResponseBodyData    DataHook
	ResponseTrailer     TxHook
	ResponseComplete    TxHook
	TransactionComplete TxHook
	Log                 LogHook
}

// Config holds the engine settings. It may be shared by many parsers but
// must not be modified while they run.
type Config struct {
	Personality       Personality       `json:"personality"`
	PathDecoder       normalize.Config  `json:"path_decoder"`
	URLEncodedDecoder normalize.Config  `json:"urlencoded_decoder"`
	FieldLimitSoft    int               `json:"field_limit_soft"`
	FieldLimitHard    int               `json:"field_limit_hard"`
	FramingPrecedence FramingPrecedence `json:"framing_precedence"`
	LogLevel          LogLevel          `json:"log_level"`

	ResponseDecompression bool               `json:"response_decompression"`
	RequestDecompression  bool               `json:"request_decompression"`
	Decompression         decompress.Options `json:"decompression"`

	ParseRequestCookies bool `json:"parse_request_cookies"`
	ParseRequestAuth    bool `json:"parse_request_auth"`
	ParseURLEncoded     bool `json:"parse_urlencoded"`
	ParseMultipart      bool `json:"parse_multipart"`

	// ParamSeparator splits query and form fields. Zero means '&'.
	ParamSeparator byte `json:"param_separator"`
	// RawParams keeps parameter names and values percent-encoded.
	RawParams      bool `json:"raw_params"`

	Logger *zap.Logger `json:"-"`
	Hooks  Hooks       `json:"-"`
}

// ConfigOption configures a Config.
type ConfigOption func(*Config)

// WithPersonality replaces both decoder configurations with the preset.
func WithPersonality(p Personality) ConfigOption {
	return func(c *Config) { c.applyPersonality(p) }
}

// WithFieldLimits sets the soft and hard line length limits.
func WithFieldLimits(soft, hard int) ConfigOption {
	return func(c *Config) {
		c.FieldLimitSoft = soft
		c.FieldLimitHard = hard
	}
}

// WithFramingPrecedence sets which framing header wins a conflict.
func WithFramingPrecedence(f FramingPrecedence) ConfigOption {
	return func(c *Config) { c.FramingPrecedence = f }
}

// WithLogger sets the zap logger receiving engine diagnostics.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithLogLevel sets the most verbose level that is recorded.
func WithLogLevel(level LogLevel) ConfigOption {
	return func(c *Config) { c.LogLevel = level }
}

// WithResponseDecompression toggles transparent response decompression.
func WithResponseDecompression(on bool) ConfigOption {
	return func(c *Config) { c.ResponseDecompression = on }
}

// WithRequestDecompression toggles request body decompression.
func WithRequestDecompression(on bool) ConfigOption {
	return func(c *Config) { c.RequestDecompression = on }
}

// WithDecompressionLimits sets the decompression bounds.
func WithDecompressionLimits(opts decompress.Options) ConfigOption {
	return func(c *Config) { c.Decompression = opts }
}

// WithParseRequestCookies toggles Cookie header parsing.
func WithParseRequestCookies(on bool) ConfigOption {
	return func(c *Config) { c.ParseRequestCookies = on }
}

// WithParseRequestAuth toggles Authorization header parsing.
func WithParseRequestAuth(on bool) ConfigOption {
	return func(c *Config) { c.ParseRequestAuth = on }
}

// WithParseURLEncoded toggles query and form body parameter parsing.
func WithParseURLEncoded(on bool) ConfigOption {
	return func(c *Config) { c.ParseURLEncoded = on }
}

// WithParamSeparator sets the byte separating query and form fields.
func WithParamSeparator(sep byte) ConfigOption {
	return func(c *Config) { c.ParamSeparator = sep }
}

// WithRawParams stores parameters without percent decoding.
func WithRawParams(on bool) ConfigOption {
	return func(c *Config) { c.RawParams = on }
}

// WithParseMultipart toggles multipart/form-data body parsing.
func WithParseMultipart(on bool) ConfigOption {
	return func(c *Config) { c.ParseMultipart = on }
}

// WithHooks installs the callbacks.
func WithHooks(h Hooks) ConfigOption {
	return func(c *Config) { c.Hooks = h }
}

// NewConfig returns the IDS defaults with opts applied in order.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		FieldLimitSoft:        defaultFieldLimitSoft,
		FieldLimitHard:        defaultFieldLimitHard,
		FramingPrecedence:     FramingChunked,
		LogLevel:              LogLevelNotice,
		ResponseDecompression: true,
		Decompression:         decompress.DefaultOptions(),
		ParseRequestCookies:   true,
		ParseRequestAuth:      true,
		ParseURLEncoded:       true,
		ParseMultipart:        true,
		Logger:                zap.NewNop(),
	}
	c.applyPersonality(PersonalityIDS)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Config) applyPersonality(p Personality) {
	c.Personality = p
	path := normalize.DefaultPathConfig()
	params := normalize.DefaultURLEncodedConfig()

	switch p {
	case PersonalityMinimal:
		path = normalize.DefaultConfig()
	case PersonalityGeneric:
	case PersonalityIDS:
		path.BackslashConvertSlashes = true
		path.PathSeparatorsDecode = true
		path.PathSeparatorsCompress = true
		path.UEncodingDecode = true
		params.UEncodingDecode = true
	case PersonalityApache2:
		path.PathSeparatorsCompress = true
		path.UTF8ConvertBestFit = false
		path.InvalidHandling = normalize.PreservePercent
	case PersonalityIIS:
		path.BackslashConvertSlashes = true
		path.PathSeparatorsDecode = true
		path.PathSeparatorsCompress = true
		path.ConvertLowercase = true
		path.UEncodingDecode = true
		path.InvalidHandling = normalize.ProcessInvalid
		params.UEncodingDecode = true
		params.InvalidHandling = normalize.ProcessInvalid
	}
	c.PathDecoder = path
	c.URLEncodedDecoder = params
}

func (c *Config) paramOptions() []urlencoded.Option {
	var opts []urlencoded.Option
	if c.ParamSeparator != 0 {
		opts = append(opts, urlencoded.WithSeparator(c.ParamSeparator))
	}
	if c.RawParams {
		opts = append(opts, urlencoded.WithoutDecoding())
	}
	return opts
}

func (c *Config) softLimit() int {
	if c.FieldLimitSoft <= 0 {
		return defaultFieldLimitSoft
	}
	return c.FieldLimitSoft
}

func (c *Config) hardLimit() int {
	if c.FieldLimitHard <= 0 {
		return defaultFieldLimitHard
	}
	return c.FieldLimitHard
}
