// Package normalize decodes and canonicalizes URI and parameter fields,
// classifying every evasive encoding it meets into anomaly flags.
package normalize

// InvalidHandling selects what happens to a percent sign that does not
// start a valid encoding.
type InvalidHandling int

const (
	// PreservePercent keeps the percent sign and the bytes that follow.
	PreservePercent InvalidHandling = iota
	// RemovePercent drops the percent sign and keeps the bytes that follow.
	RemovePercent
	// ProcessInvalid decodes the next two bytes with lax hex rules.
	ProcessInvalid
)

func (h InvalidHandling) String() string {
	switch h {
	case RemovePercent:
		return "remove-percent"
	case ProcessInvalid:
		return "process-invalid"
	}
	return "preserve-percent"
}

// Config controls decoding for one context (path or URL-encoded data).
type Config struct {
	BackslashConvertSlashes bool            `json:"backslash_convert_slashes"`
	ConvertLowercase        bool            `json:"convert_lowercase"`
	PathSeparatorsCompress  bool            `json:"path_separators_compress"`
	PathSeparatorsDecode    bool            `json:"path_separators_decode"`
	PlusSpaceDecode         bool            `json:"plusspace_decode"`
	NulEncodedTerminates    bool            `json:"nul_encoded_terminates"`
	NulRawTerminates        bool            `json:"nul_raw_terminates"`
	UEncodingDecode         bool            `json:"u_encoding_decode"`
	InvalidHandling         InvalidHandling `json:"url_encoding_invalid_handling"`
	UTF8ConvertBestFit      bool            `json:"utf8_convert_bestfit"`
	BestFitReplacement      byte            `json:"bestfit_replacement_byte"`
}

// DefaultConfig returns the decoder defaults shared by every context.
func DefaultConfig() Config {
	return Config{
		InvalidHandling:    PreservePercent,
		BestFitReplacement: '?',
	}
}

// DefaultPathConfig returns the defaults for URI path decoding.
func DefaultPathConfig() Config {
	cfg := DefaultConfig()
	cfg.UTF8ConvertBestFit = true
	return cfg
}

// DefaultURLEncodedConfig returns the defaults for query and body parameters.
func DefaultURLEncodedConfig() Config {
	cfg := DefaultConfig()
	cfg.PlusSpaceDecode = true
	return cfg
}
