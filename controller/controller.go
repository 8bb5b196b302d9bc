// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package controller wires configuration, logging, the transport listener,
// a worker pool and the admin HTTP surface into a single runnable process.
package controller

import (
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/confengine"
	"github.com/packetd/rdx/internal/pubsub"
	"github.com/packetd/rdx/internal/workerpool"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/server"
	"github.com/packetd/rdx/transport"
)

// Controller owns the lifecycle of one RDX listener: it accepts streams,
// dispatches them to a bounded worker pool, and exposes an admin/metrics
// HTTP surface alongside it.
type Controller struct {
	cfg       Config
	buildInfo common.BuildInfo

	ln      transport.Listener
	pool    *workerpool.Pool
	svr     *server.Server
	handler Handler
	events  *pubsub.PubSub

	exit transport.ExitSignal
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	if opts.Filename == "" {
		opts.Filename = "rdx.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

// New builds a Controller from conf, binding its listening socket but not
// yet accepting connections. handler processes every accepted stream; a
// nil handler falls back to EchoHandler.
func New(conf *confengine.Config, buildInfo common.BuildInfo, handler Handler) (*Controller, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("transport", &cfg); err != nil {
		return nil, err
	}
	applyAttemptBudget(cfg)

	var proxy *net.UDPAddr
	if cfg.Proxy != "" {
		resolved, err := net.ResolveUDPAddr("udp4", cfg.Proxy)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve proxy address %s", cfg.Proxy)
		}
		proxy = resolved
	}

	ln, err := transport.Listen(cfg.Listen, proxy)
	if err != nil {
		return nil, err
	}

	svr, err := server.New(conf)
	if err != nil {
		ln.Close()
		return nil, err
	}

	if handler == nil {
		handler = EchoHandler
	}

	workers := cfg.workers()
	return &Controller{
		cfg:       cfg,
		buildInfo: buildInfo,
		ln:        ln,
		pool:      workerpool.New(workers, workers*4),
		svr:       svr,
		handler:   handler,
		events:    pubsub.New(),
		exit:      transport.NewExitSignal(),
	}, nil
}

// applyAttemptBudget overrides the transport package's process-wide retry
// tunables when the config carries non-zero values.
func applyAttemptBudget(cfg Config) {
	if cfg.HandshakeAttempts > 0 {
		common.HandshakeAttempts = cfg.HandshakeAttempts
	}
	if cfg.DataAttempts > 0 {
		common.DataAttempts = cfg.DataAttempts
	}
	if cfg.IOTimeout > 0 {
		common.IOTimeout = cfg.IOTimeout
	}
	if cfg.DupSynWindow > 0 {
		common.DupSynWindow = cfg.DupSynWindow
	}
}

// Start begins accepting connections and serving the admin HTTP surface.
// It returns immediately; both loops run in background goroutines.
func (c *Controller) Start() error {
	c.setupServer()

	go c.acceptLoop()

	if c.svr != nil {
		go func() {
			if err := c.svr.ListenAndServe(); err != nil {
				logger.Errorf("controller: admin server stopped: %v", err)
			}
		}()
	}

	return nil
}

func (c *Controller) acceptLoop() {
	for {
		if c.exit.ShouldExit() {
			return
		}

		stream, err := c.ln.Accept()
		if err != nil {
			if c.exit.ShouldExit() {
				return
			}
			logger.Warnf("controller: accept failed: %v", err)
			continue
		}

		if !c.pool.Submit(func() { c.dispatch(stream) }) {
			stream.Close()
		}
	}
}

func (c *Controller) recordMetrics() {
	uptime.Set(float64(time.Now().Unix() - common.Started()))
	buildInfo.WithLabelValues(c.buildInfo.Version, c.buildInfo.GitHash, c.buildInfo.Time).Inc()
}

// Reload re-reads the logger section of conf; the transport listener and
// worker pool are not reconfigurable without rebinding the socket, so a
// full process restart is required to change them.
func (c *Controller) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}

// Stop releases the listener, drains the worker pool and stops the admin
// server, aggregating any shutdown errors.
func (c *Controller) Stop() error {
	c.exit.Shutdown()

	var errs error
	if err := c.ln.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.svr != nil {
		if err := c.svr.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.pool.Close()
	return errs
}
