package main

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.jpl.nasa.gov/bdube/interf/generichttp"
	"github.jpl.nasa.gov/bdube/interf/imgrec"
	"github.jpl.nasa.gov/bdube/interf/phasecam"
)

// RecorderSetup configures automatic archival of FITS payloads served
// over HTTP
type RecorderSetup struct {
	// Root is the folder dated subfolders are created under; empty
	// disables the recorder
	Root string `yaml:"Root"`

	// Prefix is prepended to recorded filenames
	Prefix string `yaml:"Prefix"`

	Enabled bool `yaml:"Enabled"`
}

// Config holds the initialization parameters for the client and server.
// It is populated from the yaml config file.
type Config struct {
	// Addr is the address the HTTP adapter listens at
	Addr string `yaml:"Addr"`

	// Instrument is the network or filesystem address of the instrument
	// server, e.g. 192.168.100.50:7300, or /dev/ttyS4 for serial
	Instrument string `yaml:"Instrument"`

	// Serial selects RS232 (true) over TCP (false)
	Serial bool `yaml:"Serial"`

	// Baud is the serial line rate, unused for TCP
	Baud int `yaml:"Baud"`

	// TimeoutSec is the per-command round trip deadline in seconds
	TimeoutSec float64 `yaml:"TimeoutSec"`

	// MaxAttempts bounds how many times a command is tried
	MaxAttempts int `yaml:"MaxAttempts"`

	// BackoffMsec is the pause between retries in milliseconds
	BackoffMsec float64 `yaml:"BackoffMsec"`

	// LinearBackoff ramps the retry pause instead of holding it constant
	LinearBackoff bool `yaml:"LinearBackoff"`

	// FPS paces burst acquisition; zero means as fast as the instrument
	// answers
	FPS float64 `yaml:"FPS"`

	// ServerBurst delegates burst buffering to the instrument server
	ServerBurst bool `yaml:"ServerBurst"`

	// Frames is how many raw frames the fetch verb averages
	Frames int `yaml:"Frames"`

	// Verbose enables debug logging of retries and round trips
	Verbose bool `yaml:"Verbose"`

	Recorder RecorderSetup `yaml:"Recorder"`
}

func logger(c Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if c.Verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

// buildClient assembles a phasecam client from the config
func buildClient(c Config) *phasecam.Client {
	opts := []phasecam.Option{
		phasecam.WithLogger(logger(c)),
	}
	if c.TimeoutSec > 0 {
		opts = append(opts, phasecam.WithTimeout(time.Duration(c.TimeoutSec*float64(time.Second))))
	}
	if c.MaxAttempts > 0 {
		opts = append(opts, phasecam.WithMaxAttempts(c.MaxAttempts))
	}
	if c.BackoffMsec > 0 {
		opts = append(opts, phasecam.WithBackoff(time.Duration(c.BackoffMsec*float64(time.Millisecond))))
	}
	if c.FPS > 0 {
		opts = append(opts, phasecam.WithFrameRate(c.FPS))
	}
	if c.LinearBackoff {
		opts = append(opts, phasecam.WithLinearBackoff())
	}
	if c.ServerBurst {
		opts = append(opts, phasecam.WithServerBurst())
	}
	if c.Serial {
		opts = append(opts, phasecam.WithSerial(c.Baud))
	}
	return phasecam.New(c.Instrument, opts...)
}

// BuildMux wraps a client in the HTTP adapter and returns a router
// serving its routes, plus a route-list endpoint
func BuildMux(c Config) chi.Router {
	client := buildClient(c)
	var rec *imgrec.Recorder
	if c.Recorder.Root != "" {
		rec = &imgrec.Recorder{
			Root:    c.Recorder.Root,
			Prefix:  c.Recorder.Prefix,
			Enabled: c.Recorder.Enabled,
		}
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	generichttp.Bind(root, phasecam.NewHTTPWrapper(client, rec))
	root.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown route, see /endpoints", http.StatusNotFound)
	})
	return root
}
