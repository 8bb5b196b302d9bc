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
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetd/rdx/internal/sigs"
	"github.com/packetd/rdx/logger"
)

func (c *Controller) setupServer() {
	if c.svr == nil {
		return
	}

	c.svr.RegisterGetRoute("/metrics", c.routeMetrics)
	c.svr.RegisterPostRoute("/-/logger", c.routeLogger)
	c.svr.RegisterPostRoute("/-/reload", c.routeReload)
	c.svr.RegisterGetRoute("/watch", c.routeWatch)
}

func (c *Controller) routeMetrics(w http.ResponseWriter, r *http.Request) {
	c.recordMetrics()
	promhttp.Handler().ServeHTTP(w, r)
}

func (c *Controller) routeLogger(w http.ResponseWriter, r *http.Request) {
	level := r.FormValue("level")
	logger.SetLoggerLevel(level)
	w.Write([]byte(`{"status": "success"}`))
}

func (c *Controller) routeReload(w http.ResponseWriter, r *http.Request) {
	if err := sigs.SelfReload(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
}

// routeWatch streams connect/disconnect events as they happen, one line
// per event, until max_message lines have been sent or timeout elapses
// between events.
func (c *Controller) routeWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	maxMessage, _ := strconv.Atoi(r.URL.Query().Get("max_message"))
	if maxMessage <= 0 {
		maxMessage = 100
	}

	timeout, _ := time.ParseDuration(r.URL.Query().Get("timeout"))
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	queue := c.events.Subscribe(10)
	defer c.events.Unsubscribe(queue)

	for i := 0; i < maxMessage; i++ {
		msg, ok := queue.PopTimeout(timeout)
		if !ok {
			return
		}

		line, ok := msg.(string)
		if !ok {
			continue
		}
		w.Write([]byte(line))
		w.Write([]byte{'\n'})
		flusher.Flush()
	}
}
