package config

import (
	"flag"
	"io"
	"strings"
)

// configPath finds -config/--config in args without parsing the rest.
func configPath(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// parseFlags overrides cfg with flags present in args. Flag defaults are the
// values already in cfg.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("habitstack-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var ignored string
	fs.StringVar(&ignored, "config", "", "JSON config file")

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "storage backend: postgres or memory")
	fs.StringVar(&cfg.JWTKey, "jwt-key", cfg.JWTKey, "HS256 signing key (required)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate (PEM)")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS private key (PEM)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "serve without TLS (dev only)")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "enable server reflection and development logging")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "session lifetime")
	fs.DurationVar(&cfg.SessionSweep, "session-sweep", cfg.SessionSweep, "expired session sweep interval")

	fs.BoolVar(&cfg.RequireKeyOnWrite, "require-key-on-write", cfg.RequireKeyOnWrite, "refuse to store fields marked for encryption without a session key")
	fs.StringVar(&cfg.DisplayMode, "display-mode", cfg.DisplayMode, "read path: sniff or preference")
	fs.IntVar(&cfg.KDFIterations, "kdf-iterations", cfg.KDFIterations, "PBKDF2 iterations")

	fs.IntVar(&cfg.LoginMaxFails, "login-max-fails", cfg.LoginMaxFails, "failed password attempts before lockout")
	fs.DurationVar(&cfg.LoginWindow, "login-window", cfg.LoginWindow, "failure counting window")
	fs.DurationVar(&cfg.LoginBlock, "login-block", cfg.LoginBlock, "lockout duration")

	return fs.Parse(args)
}
