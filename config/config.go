// Package config reads the web server's configuration file.
package config

import (
	"encoding/json"
	"net"
	"os"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
)

// Config is the server configuration. Every field has a default so the server
// can run without a config file at all.
type Config struct {
	// BindAddress is where the HTTP front-end listens.
	BindAddress string `json:"bind_address"`
	// FrameAddress is the UDP address the frame receiver binds.
	FrameAddress string `json:"frame_address"`
	// UploadDir receives model, label and video uploads.
	UploadDir string `json:"upload_dir"`
	// WorkerPath is the detection worker binary; resolved against PATH when relative.
	WorkerPath string `json:"worker_path"`
	// Engine overrides the worker's inference engine selection.
	Engine string `json:"engine,omitempty"`
	// LogFile, when set, mirrors server logs into a rotated file.
	LogFile string `json:"log_file,omitempty"`
	// Debug enables development logging.
	Debug bool `json:"debug,omitempty"`
}

// Default returns the configuration matching the original deployment: web on
// :5000, frames on :9999, uploads beside the binary.
func Default() *Config {
	return &Config{
		BindAddress:  ":5000",
		FrameAddress: ":9999",
		UploadDir:    "uploads",
		WorkerPath:   "hailodetect",
	}
}

// Read loads a config file, expanding ${ENV_VAR} references. Fields left out of
// the file keep their defaults. An empty path returns the defaults.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	contents, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %s", path)
	}
	if err := json.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config file %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BindAddress == "" {
		return errors.New("bind_address cannot be empty")
	}
	if c.FrameAddress == "" {
		return errors.New("frame_address cannot be empty")
	}
	if c.UploadDir == "" {
		return errors.New("upload_dir cannot be empty")
	}
	if c.WorkerPath == "" {
		return errors.New("worker_path cannot be empty")
	}
	return nil
}

// EnsureUploadDir creates the upload directory if needed.
func (c *Config) EnsureUploadDir() error {
	return os.MkdirAll(c.UploadDir, 0o755)
}

// WorkerStreamAddress returns the address a locally launched worker should send
// frames to. A wildcard bind host gets pointed at loopback.
func (c *Config) WorkerStreamAddress() (string, error) {
	host, port, err := net.SplitHostPort(c.FrameAddress)
	if err != nil {
		return "", errors.Wrapf(err, "invalid frame_address %q", c.FrameAddress)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}
