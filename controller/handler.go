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

package controller

import (
	"bufio"
	"errors"
	"io"

	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/transport"
)

// Handler processes one accepted Stream for the duration of its life. The
// worker pool invokes exactly one Handler per accepted connection and
// closes the stream after the Handler returns.
type Handler func(stream transport.Stream) error

// EchoHandler reads newline-terminated lines from stream and writes each
// one back verbatim. It exists to exercise the Stream contract and the
// worker pool end to end; it is not meant to stand in for an application
// protocol.
func EchoHandler(stream transport.Stream) error {
	r := bufio.NewReader(stream)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := stream.Write(line); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Controller) dispatch(stream transport.Stream) {
	id := stream.RemoteAddr().String()
	logger.Debugf("controller: accepted stream from %s", id)
	connectedTotal.Inc()
	activeConnections.Inc()
	c.events.Publish("connect " + id)

	defer func() {
		activeConnections.Dec()
		c.events.Publish("disconnect " + id)
		if err := stream.Close(); err != nil {
			logger.Debugf("controller: close %s: %v", id, err)
		}
	}()

	if err := c.handler(stream); err != nil {
		logger.Debugf("controller: handler for %s returned: %v", id, err)
	}
}
