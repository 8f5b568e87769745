package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// duration accepts "15m" style strings or integer nanoseconds.
type duration struct{ time.Duration }

func (d *duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		d.Duration = p
	case float64:
		d.Duration = time.Duration(x)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// fileConfig is the JSON form; absent members leave the current value alone.
type fileConfig struct {
	Addr     *string `json:"addr"`
	DSN      *string `json:"dsn"`
	Storage  *string `json:"storage"`
	JWTKey   *string `json:"jwt_key"`
	TLSCert  *string `json:"tls_cert"`
	TLSKey   *string `json:"tls_key"`
	Insecure *bool   `json:"insecure"`
	Dev      *bool   `json:"dev"`
	LogLevel *string `json:"log_level"`

	SessionTTL   *duration `json:"session_ttl"`
	SessionSweep *duration `json:"session_sweep"`

	RequireKeyOnWrite *bool   `json:"require_key_on_write"`
	DisplayMode       *string `json:"display_mode"`
	KDFIterations     *int    `json:"kdf_iterations"`

	LoginMaxFails *int      `json:"login_max_fails"`
	LoginWindow   *duration `json:"login_window"`
	LoginBlock    *duration `json:"login_block"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDur(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = src.Duration
	}
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	set(&cfg.Addr, fc.Addr)
	set(&cfg.DSN, fc.DSN)
	set(&cfg.Storage, fc.Storage)
	set(&cfg.JWTKey, fc.JWTKey)
	set(&cfg.TLSCert, fc.TLSCert)
	set(&cfg.TLSKey, fc.TLSKey)
	set(&cfg.Insecure, fc.Insecure)
	set(&cfg.Dev, fc.Dev)
	set(&cfg.LogLevel, fc.LogLevel)
	setDur(&cfg.SessionTTL, fc.SessionTTL)
	setDur(&cfg.SessionSweep, fc.SessionSweep)
	set(&cfg.RequireKeyOnWrite, fc.RequireKeyOnWrite)
	set(&cfg.DisplayMode, fc.DisplayMode)
	set(&cfg.KDFIterations, fc.KDFIterations)
	set(&cfg.LoginMaxFails, fc.LoginMaxFails)
	setDur(&cfg.LoginWindow, fc.LoginWindow)
	setDur(&cfg.LoginBlock, fc.LoginBlock)
	return nil
}
