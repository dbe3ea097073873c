// -------------------------------------------------------------------------------
// Request Logging Config - Capture Rules and Masking Patterns
//
// Controls which parts of a request/response pair are captured and which
// fields are masked before anything touches disk. Patterns are
// case-insensitive regular expressions; user-supplied patterns extend the
// built-in defaults rather than replacing them.
// -------------------------------------------------------------------------------

package logship

import (
	"fmt"
	"regexp"
)

// Masked replaces the value of any query parameter, header, or body field
// that matches a masking pattern.
const Masked = "******"

var (
	defaultMaskPatterns = []string{
		`auth`, `api[-_]?key`, `secret`, `token`, `password`, `pwd`,
	}
	defaultMaskHeaderPatterns = []string{
		`cookie`, `set-cookie`,
	}
	defaultExcludePathPatterns = []string{
		`/_?healthz?$`, `/_?health[_-]?checks?$`, `/_?heart[_-]?beats?$`,
		`/ping$`, `/ready$`, `/live$`,
	}
)

// Config controls request log capture. The zero value disables capture
// entirely.
type Config struct {
	Enabled            bool     `yaml:"enabled"`
	LogQueryParams     bool     `yaml:"log_query_params"`
	LogRequestHeaders  bool     `yaml:"log_request_headers"`
	LogRequestBody     bool     `yaml:"log_request_body"`
	LogResponseHeaders bool     `yaml:"log_response_headers"`
	LogResponseBody    bool     `yaml:"log_response_body"`
	MaskQueryParams    []string `yaml:"mask_query_params"`
	MaskHeaders        []string `yaml:"mask_headers"`
	MaskBodyFields     []string `yaml:"mask_body_fields"`
	ExcludePaths       []string `yaml:"exclude_paths"`
}

// DefaultConfig returns the capture defaults used when the host enables
// request logging without further tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		LogQueryParams:     true,
		LogResponseHeaders: true,
	}
}

// patterns holds the compiled masking and exclusion rules.
type patterns struct {
	maskQueryParams []*regexp.Regexp
	maskHeaders     []*regexp.Regexp
	maskBodyFields  []*regexp.Regexp
	excludePaths    []*regexp.Regexp
}

func compilePatterns(cfg Config) (*patterns, error) {
	p := &patterns{}
	var err error
	if p.maskQueryParams, err = compileAll(defaultMaskPatterns, cfg.MaskQueryParams); err != nil {
		return nil, fmt.Errorf("mask_query_params: %w", err)
	}
	maskHeaders := append([]string{}, defaultMaskPatterns...)
	maskHeaders = append(maskHeaders, defaultMaskHeaderPatterns...)
	if p.maskHeaders, err = compileAll(maskHeaders, cfg.MaskHeaders); err != nil {
		return nil, fmt.Errorf("mask_headers: %w", err)
	}
	if p.maskBodyFields, err = compileAll(defaultMaskPatterns, cfg.MaskBodyFields); err != nil {
		return nil, fmt.Errorf("mask_body_fields: %w", err)
	}
	if p.excludePaths, err = compileAll(defaultExcludePathPatterns, cfg.ExcludePaths); err != nil {
		return nil, fmt.Errorf("exclude_paths: %w", err)
	}
	return p, nil
}

func compileAll(defaults, extra []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(defaults)+len(extra))
	for _, src := range append(append([]string{}, defaults...), extra...) {
		re, err := regexp.Compile(`(?i)` + src)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", src, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
