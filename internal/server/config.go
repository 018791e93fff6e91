package server

import (
	"net/http"
	"strconv"
	"time"
)

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"PORT" envDefault:"9000"`
}

type Option interface {
	apply(*http.Server)
}

type optionFunc func(s *http.Server)

func (f optionFunc) apply(s *http.Server) { f(s) }

// WithEnvConfig enables processing exported EnvConfig struct to act as a source of listen address
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(s *http.Server) {
		s.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// ReadHeaderTimeout sets header read timeout for http.Server.
// The full-request ReadTimeout is left alone on purpose: it would put a
// deadline on upgraded realtime connections too.
func ReadHeaderTimeout(d time.Duration) Option {
	return optionFunc(func(s *http.Server) {
		s.ReadHeaderTimeout = d
	})
}
