// Package bridge places USSD dial requests, either on an Android device or
// by simulating them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Outcome is the textual result of one dial request.
type Outcome struct {
	Text      string
	Simulated bool
}

// Dialer places one dial request. An error means the request failed.
type Dialer interface {
	Dial(ctx context.Context, code string) (Outcome, error)
}

// ErrEmptyCode is returned when Dial is called without a code.
var ErrEmptyCode = errors.New("USSD code is required")

// Bridge modes.
const (
	ModeAuto     = "auto"
	ModeSimulate = "simulate"
	ModeNative   = "native"
	ModeADB      = "adb"
	ModeHTTP     = "http"
)

// Config selects the dialer.
type Config struct {
	Mode        string        `mapstructure:"mode" validate:"oneof=auto simulate native adb http"`
	ADBPath     string        `mapstructure:"adb_path"`
	Serial      string        `mapstructure:"serial"`
	Endpoint    string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
	FailureRate float64       `mapstructure:"failure_rate" validate:"gte=0,lte=1"`
	Results     []string      `mapstructure:"results"`
}

// New returns the dialer selected by cfg. In auto mode, Android hosts dial
// natively and every other platform simulates.
func New(cfg Config, log *zap.Logger) (Dialer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mode := cfg.Mode
	if mode == "" || mode == ModeAuto {
		mode = ModeSimulate
		if runtime.GOOS == "android" {
			mode = ModeNative
		}
	}

	switch mode {
	case ModeSimulate:
		return NewSimulator(cfg.Results, cfg.FailureRate), nil
	case ModeNative:
		return NewNative(nil, log), nil
	case ModeADB:
		path := cfg.ADBPath
		if path == "" {
			path = "adb"
		}
		prefix := []string{path}
		if cfg.Serial != "" {
			prefix = append(prefix, "-s", cfg.Serial)
		}
		return NewNative(append(prefix, "shell"), log), nil
	case ModeHTTP:
		if cfg.Endpoint == "" {
			return nil, errors.New("bridge endpoint is required in http mode")
		}
		return NewHTTP(cfg.Endpoint, cfg.Token, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", cfg.Mode)
	}
}
