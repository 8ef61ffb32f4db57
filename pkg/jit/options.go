package jit

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Options configures a translation cache.
type Options struct {
	Arch     string `toml:"arch"`
	CodeSize int    `toml:"code_size"`
	ColdSize int    `toml:"cold_size"`
	StubSize int    `toml:"stub_size"`
	// BaseHint asks for the code region near this address. Zero lets the
	// kernel choose.
	BaseHint uint64 `toml:"base_hint"`

	FastTLS         bool `toml:"fast_tls"`
	GenerateAsserts bool `toml:"generate_asserts"`
	// FreeLocalsUnroll is the number of unrolled free-locals entry points.
	FreeLocalsUnroll int    `toml:"free_locals_unroll"`
	LogLevel         string `toml:"log_level"`
}

func DefaultOptions() Options {
	return Options{
		Arch:             "x64",
		CodeSize:         4 << 20,
		ColdSize:         1 << 20,
		StubSize:         64 << 10,
		FastTLS:          true,
		FreeLocalsUnroll: 9,
		LogLevel:         "info",
	}
}

// LoadOptions reads a TOML file over the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	md, err := toml.DecodeFile(path, &opts)
	if err != nil {
		return Options{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Options{}, fmt.Errorf("unknown key %q in %s", undec[0].String(), path)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return opts, nil
}

// Validate reports every problem with o at once.
func (o Options) Validate() error {
	var result *multierror.Error
	switch o.Arch {
	case "x64", "ppc64":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown arch %q", o.Arch))
	}
	if o.CodeSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("code_size must be positive, got %d", o.CodeSize))
	}
	if o.ColdSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("cold_size must be positive, got %d", o.ColdSize))
	}
	if o.StubSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("stub_size must be positive, got %d", o.StubSize))
	}
	if o.FreeLocalsUnroll < 1 || o.FreeLocalsUnroll > 32 {
		result = multierror.Append(result, fmt.Errorf("free_locals_unroll must be in [1, 32], got %d", o.FreeLocalsUnroll))
	}
	if _, err := zerolog.ParseLevel(o.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("log_level: %w", err))
	}
	return result.ErrorOrNil()
}

// Level returns the configured log level.
func (o Options) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(o.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
