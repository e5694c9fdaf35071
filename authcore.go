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

// Package authcore assembles a complete multi-factor authentication core:
// WebAuthn passkey and security-key ceremonies, time-based one-time
// passwords, recovery codes, rate limiting, and a sudo-mode state machine,
// backed by an encrypted credential store. The caller brings the user store,
// the session store, and the outer HTTP surface.
package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/flow"
	"github.com/c2FmZQ/authcore/linktoken"
	"github.com/c2FmZQ/authcore/webauthn"
)

// Logger receives internal errors and debug messages.
type Logger interface {
	Errorf(format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// Options are the collaborators the caller must or may provide.
type Options struct {
	// Users is the application's user store. Required.
	Users flow.UserStore
	// Notifier delivers recovery and verification links out of band.
	Notifier flow.Notifier
	// Events receives domain events.
	Events events.Sink
	// Logger receives internal errors. Defaults to the standard logger.
	Logger Logger
}

// Core holds the assembled authentication subsystems.
type Core struct {
	cfg    *Config
	store  *storage.Storage
	creds  *credentials.Store
	tokens *linktoken.Manager
	engine *webauthn.Engine
	flow   *flow.Flow
	logger Logger
}

// New returns a new initialized Core. The master key encrypting the stored
// credentials is created on first use and protected with passphrase.
func New(cfg *Config, passphrase []byte, opts Options) (*Core, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if opts.Users == nil {
		return nil, errors.New("authcore: Options.Users is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger{}
	}

	mkFile := filepath.Join(cfg.CacheDir, "masterkey")
	mk, err := crypto.ReadMasterKey(passphrase, mkFile, crypto.WithAlgo(crypto.PickFastest))
	if errors.Is(err, os.ErrNotExist) {
		if mk, err = crypto.CreateMasterKey(crypto.WithAlgo(crypto.PickFastest)); err != nil {
			return nil, errors.New("failed to create master key")
		}
		err = mk.Save(passphrase, mkFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mkFile, err)
	}
	store := storage.New(cfg.CacheDir, mk)

	creds, err := credentials.NewStore(store)
	if err != nil {
		return nil, err
	}
	tokens, err := linktoken.New(store)
	if err != nil {
		return nil, err
	}
	engine, err := webauthn.New(webauthn.Config{
		RPID:               cfg.RPID,
		RPName:             cfg.RPName,
		Origin:             cfg.Origin,
		TrustworthyOrigins: cfg.TrustworthyOrigins,
		Debug:              cfg.Debug,
		Algorithms:         cfg.Algorithms,
		Timeout:            cfg.CeremonyTimeout,
		Attachment:         cfg.Attachment,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	f, err := flow.New(flow.Config{
		GlobalRateLimit:  cfg.GlobalRateLimit,
		RateLimit:        cfg.RateLimit,
		MinLatency:       cfg.MinLatency,
		SudoWindow:       cfg.SudoWindow,
		RecoveryTokenTTL: cfg.RecoveryTokenTTL,
		TOTPIssuer:       cfg.TOTPIssuer,
	}, flow.Deps{
		Engine:      engine,
		Credentials: creds,
		Users:       opts.Users,
		Tokens:      tokens,
		Notifier:    opts.Notifier,
		Events:      opts.Events,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Core{
		cfg:    cfg,
		store:  store,
		creds:  creds,
		tokens: tokens,
		engine: engine,
		flow:   f,
		logger: logger,
	}, nil
}

// Flow returns the authentication state machine.
func (c *Core) Flow() *flow.Flow {
	return c.flow
}

// Credentials returns the credential store.
func (c *Core) Credentials() *credentials.Store {
	return c.creds
}

// Tokens returns the link-token manager.
func (c *Core) Tokens() *linktoken.Manager {
	return c.tokens
}

// Engine returns the WebAuthn ceremony engine.
func (c *Core) Engine() *webauthn.Engine {
	return c.engine
}

// Run rotates the link-token signing keys until ctx is canceled.
func (c *Core) Run(ctx context.Context) {
	c.tokens.KeyRotationLoop(ctx, c.logger.Errorf)
}
