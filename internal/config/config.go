// Package config loads server configuration from CLI flags over environment
// variables over defaults, and an optional YAML pre-seed file for the opaque
// /api/config key/value store.
package config

import (
	"os"
	"strconv"
)

// Config holds everything the serve command needs to boot.
type Config struct {
	Port       int
	Bind       string
	ControlDir string
	Debug      bool
	LogLevel   string
	HQURL      string
	HQAuth     string
	RemoteName string
	NoAuth     bool
	AuthToken  string
}

// Flags carries the subset of values the CLI layer may have parsed explicitly;
// zero values mean "not set on the command line, fall back to env/default".
type Flags struct {
	Port       int
	Bind       string
	ControlDir string
	Debug      bool
	HQURL      string
	HQAuth     string
	RemoteName string
	NoAuth     bool
}

// Load merges flags over environment variables over defaults, mirroring the
// teacher's user/project precedence helpers but reduced to two layers since
// this server has no per-project settings file.
func Load(f Flags) Config {
	cfg := Config{
		Port:       firstInt(f.Port, envInt("PORT", 0), 4020),
		Bind:       firstString(f.Bind, "", "0.0.0.0"),
		ControlDir: firstString(f.ControlDir, os.Getenv("VIBETUNNEL_CONTROL_DIR"), defaultControlDir()),
		Debug:      f.Debug || os.Getenv("VIBETUNNEL_DEBUG") == "1",
		LogLevel:   firstString("", os.Getenv("VIBETUNNEL_LOG_LEVEL"), "info"),
		HQURL:      firstString(f.HQURL, os.Getenv("VIBETUNNEL_HQ_URL"), ""),
		HQAuth:     firstString(f.HQAuth, os.Getenv("VIBETUNNEL_HQ_AUTH"), ""),
		RemoteName: firstString(f.RemoteName, os.Getenv("VIBETUNNEL_REMOTE_NAME"), ""),
		NoAuth:     f.NoAuth,
		// AuthToken has no CLI flag: §1/§9 place credential issuance out of
		// scope, so the only supported path is a pre-issued token handed to
		// the process by whatever deploys it.
		AuthToken: os.Getenv("VIBETUNNEL_AUTH_TOKEN"),
	}
	return cfg
}

func defaultControlDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibetunnel/control"
	}
	return home + "/.vibetunnel/control"
}

func firstString(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if env != "" {
		return env
	}
	return def
}

func firstInt(flag, env, def int) int {
	if flag != 0 {
		return flag
	}
	if env != 0 {
		return env
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
