// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package authcore

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/authcore/webauthn"
)

var validAttachments = []string{
	"platform",
	"cross-platform",
}

// Config is the authentication core configuration.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored.
	Definitions any `yaml:"definitions,omitempty"`

	// CacheDir is the directory where credentials and signing keys are
	// stored.
	CacheDir string `yaml:"cacheDir,omitempty"`
	// RPID is the WebAuthn relying party identifier, a registrable domain
	// suffix of the origin, e.g. example.com.
	RPID string `yaml:"rpId"`
	// RPName is the human-readable relying party name shown by
	// authenticators.
	RPName string `yaml:"rpName,omitempty"`
	// Origin is the web origin from which ceremonies are served, e.g.
	// https://login.example.com.
	Origin string `yaml:"origin"`
	// TrustworthyOrigins are extra origins accepted when Debug is set.
	// They are ignored otherwise.
	TrustworthyOrigins []string `yaml:"trustworthyOrigins,omitempty"`
	// Debug enables the TrustworthyOrigins list. Never set in production.
	Debug bool `yaml:"debug,omitempty"`
	// Algorithms is the list of acceptable signature algorithms, in order
	// of preference, e.g. ES256, RS256.
	Algorithms []string `yaml:"algorithms,omitempty"`
	// CeremonyTimeout is the time given to the user to complete a
	// WebAuthn ceremony.
	CeremonyTimeout time.Duration `yaml:"ceremonyTimeout,omitempty"`
	// Attachment restricts second-factor authenticators to platform or
	// cross-platform. Empty accepts both.
	Attachment string `yaml:"attachment,omitempty"`
	// SudoWindow is how long a sudo-mode confirmation lasts.
	SudoWindow time.Duration `yaml:"sudoWindow,omitempty"`
	// GlobalRateLimit is the blanket per-minute limit on authentication
	// attempts across all clients.
	GlobalRateLimit int64 `yaml:"globalRateLimit,omitempty"`
	// RateLimit is the per-minute limit per IP and per identity.
	RateLimit int64 `yaml:"rateLimit,omitempty"`
	// MinLatency is the minimum duration of security-sensitive
	// operations.
	MinLatency time.Duration `yaml:"minLatency,omitempty"`
	// RecoveryTokenTTL is the lifetime of account-recovery links.
	RecoveryTokenTTL time.Duration `yaml:"recoveryTokenTTL,omitempty"`
	// TOTPIssuer is the issuer name shown by authenticator apps.
	TOTPIssuer string `yaml:"totpIssuer,omitempty"`
}

// Check checks that the Config is valid and sets some default values.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.CacheDir == "" {
		d, err := os.UserCacheDir()
		if err != nil {
			return errors.New("CacheDir must be set in config")
		}
		cfg.CacheDir = filepath.Join(d, "authcore")
	}
	if cfg.RPID == "" {
		return errors.New("RPID must be set in config")
	}
	if cfg.Origin == "" {
		return errors.New("Origin must be set in config")
	}
	for i, o := range append([]string{cfg.Origin}, cfg.TrustworthyOrigins...) {
		u, err := url.Parse(o)
		if err != nil {
			return fmt.Errorf("origin[%d] %q: %v", i, o, err)
		}
		if u.Scheme != "https" && u.Hostname() != "localhost" {
			return fmt.Errorf("origin[%d] %q: scheme must be https", i, o)
		}
		if u.Path != "" {
			return fmt.Errorf("origin[%d] %q: must not have a path", i, o)
		}
	}
	u, _ := url.Parse(cfg.Origin)
	if h := u.Hostname(); h != cfg.RPID && !strings.HasSuffix(h, "."+cfg.RPID) {
		return fmt.Errorf("RPID %q must be a registrable suffix of Origin %q", cfg.RPID, cfg.Origin)
	}
	for i, a := range cfg.Algorithms {
		if _, ok := webauthn.Algorithms[a]; !ok {
			return fmt.Errorf("algorithms[%d] has unexpected value %q", i, a)
		}
	}
	if cfg.Attachment != "" && !slices.Contains(validAttachments, cfg.Attachment) {
		return fmt.Errorf("Attachment has unexpected value %q", cfg.Attachment)
	}
	if cfg.GlobalRateLimit < 0 || cfg.RateLimit < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// ReadConfig reads and validates a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
