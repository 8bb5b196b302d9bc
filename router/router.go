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

// Package router implements the RDX router/proxy contract: a standalone
// UDP process that relays datagrams purely from their 11-byte header,
// without ever parsing or holding connection state for the payload.
package router

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/internal/labels"
	"github.com/packetd/rdx/internal/ttlcache"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/packet"
	"github.com/packetd/rdx/transport"
)

// Config describes how a Router binds and expires learned routes.
type Config struct {
	Listen   string        `config:"listen"`
	RouteTTL time.Duration `config:"routeTTL"`
}

func (c Config) routeTTL() time.Duration {
	if c.RouteTTL <= 0 {
		return 2 * time.Minute
	}
	return c.RouteTTL
}

// Router relays RDX datagrams between two peers that cannot reach each
// other directly. A datagram arrives, its header Peer/Port names the
// destination, and the router forwards the raw bytes there unchanged —
// it never mutates or otherwise inspects payload bytes.
//
// The one exception is address learning: a declared destination may name
// an address that isn't actually reachable from the router's vantage
// point (a client behind NAT declaring its private address in its SYN's
// Endpoint payload, for instance). The router peeks at that Endpoint on
// SYN/SYN-ACK only, recording the actual observed source for that
// declared identity, and prefers the learned address over the literal
// header destination whenever one has been learned. Every other packet
// type forwards on the header's declared destination exactly as named.
type Router struct {
	conf Config
	sock *net.UDPConn

	routes *ttlcache.Cache[uint64, *net.UDPAddr]
	exit   transport.ExitSignal
}

// New binds the router's listening socket and prepares its route cache.
func New(conf Config) (*Router, error) {
	laddr, err := net.ResolveUDPAddr("udp4", conf.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve router listen address %s", conf.Listen)
	}

	sock, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind router socket %s", conf.Listen)
	}

	return &Router{
		conf:   conf,
		sock:   sock,
		routes: ttlcache.New[uint64, *net.UDPAddr](conf.routeTTL()),
		exit:   transport.NewExitSignal(),
	}, nil
}

func (r *Router) Addr() net.Addr {
	return r.sock.LocalAddr()
}

// Run reads datagrams until Close is called, forwarding each to its header
// destination or to a route learned from a SYN/SYN-ACK Endpoint payload.
func (r *Router) Run() error {
	buf := make([]byte, common.MaxDatagramSize)

	for {
		if r.exit.ShouldExit() {
			return nil
		}

		if err := r.sock.SetReadDeadline(time.Now().Add(common.IOTimeout)); err != nil {
			return errors.Wrap(err, "set router read deadline")
		}

		n, from, err := r.sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "router read")
		}

		pkt, err := packet.Decode(buf[:n])
		if err != nil {
			logger.Debugf("router: dropping malformed packet from %s: %v", from, err)
			routerDroppedTotal.Inc()
			continue
		}

		r.route(pkt, from)
	}
}

// route learns the sender's true address from a handshake Endpoint when
// present, then forwards the raw datagram to the best known address for
// the packet's declared destination.
func (r *Router) route(pkt packet.Packet, from *net.UDPAddr) {
	if pkt.Type == packet.TypeSyn || pkt.Type == packet.TypeSynAck {
		if ep, err := packet.DecodeEndpoint(pkt.Data); err == nil {
			r.routes.Set(identityFingerprint(ep.IP, ep.Port), from)
		}
	}

	dst := &net.UDPAddr{IP: pkt.Peer, Port: int(pkt.Port)}
	if learned, ok := r.routes.Get(identityFingerprint(pkt.Peer, pkt.Port)); ok {
		dst = learned
	}

	encoded, err := packet.Encode(pkt)
	if err != nil {
		logger.Debugf("router: failed to re-encode packet from %s: %v", from, err)
		return
	}

	if _, err := r.sock.WriteToUDP(encoded, dst); err != nil {
		logger.Debugf("router: failed to forward to %s: %v", dst, err)
		routerDroppedTotal.Inc()
		return
	}
	routerForwardedTotal.Inc()
}

// identityFingerprint hashes a declared (peer, port) pair the same way
// the listener fingerprints SYNs, so both can share the ttlcache package
// without either depending on the other's notion of identity.
func identityFingerprint(peer net.IP, port uint16) uint64 {
	lbs := labels.Labels{
		{Name: "peer", Value: peer.String()},
		{Name: "port", Value: strconv.Itoa(int(port))},
	}
	return lbs.Hash()
}

// Close stops the router's read loop and releases its socket.
func (r *Router) Close() error {
	r.exit.Shutdown()
	r.routes.Close()
	return r.sock.Close()
}
