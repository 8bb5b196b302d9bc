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

package transport

import (
	"net"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/packet"
)

// Handshake sequence numbers, fixed by the wire protocol:
//
//	SYN      seq=0
//	SYN-ACK  seq=1
//	ACK      seq=2
//	first DATA seq, client side = 3
//	first DATA seq, server side = 4
const (
	synSeq          = 0
	synAckSeq       = 1
	ackSeq          = 2
	clientFirstData = 3
	serverFirstData = 4
)

// Dial performs a client-side three-way handshake against addr and
// returns a ready-to-use Stream bound to a fresh ephemeral local socket.
//
// addr is the remote's well-known listening address. The SYN's header
// Peer/Port declares that destination; every later packet declares the
// server's dispatched socket learned from the SYN-ACK instead. A router
// sitting between the two ends forwards from the 11-byte header; proxy,
// when non-nil, is only the physical next hop
// the datagram is written to. The SYN/SYN-ACK payload separately carries
// each side's own address (little-endian encoded, see packet.Endpoint) so
// the peer can learn where to truly address its own outgoing headers once
// a router has obscured the UDP source address.
func Dial(addr string, proxy *net.UDPAddr) (Stream, error) {
	remote, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, wrapf(ErrHandshakeFailure, "resolve %s: %v", addr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, wrapf(ErrHandshakeFailure, "bind ephemeral socket: %v", err)
	}

	local, _ := conn.LocalAddr().(*net.UDPAddr)

	synPayload, err := packet.EncodeEndpoint(packet.Endpoint{IP: local.IP, Port: uint16(local.Port)})
	if err != nil {
		conn.Close()
		return nil, wrapf(ErrHandshakeFailure, "encode syn endpoint: %v", err)
	}

	syn := packet.New(packet.TypeSyn, synSeq, remote.IP, uint16(remote.Port), synPayload)
	// The SYN-ACK necessarily comes from the server's freshly dispatched
	// ephemeral socket, not the well-known address we sent the SYN to, so
	// the address check tolerates that mismatch for this one exchange.
	resp, from, err := reliableSend(conn, syn, remote, proxy, []packet.Type{packet.TypeSynAck}, true, common.HandshakeAttempts, common.IOTimeout)
	if err != nil {
		conn.Close()
		handshakesTotal.WithLabelValues("client", "failure").Inc()
		return nil, wrapf(ErrHandshakeFailure, "syn: %v", err)
	}
	if resp.Seq != synAckSeq {
		conn.Close()
		handshakesTotal.WithLabelValues("client", "failure").Inc()
		return nil, wrapf(ErrHandshakeFailure, "unexpected syn-ack seq=%d", resp.Seq)
	}

	// The SYN-ACK payload carries the server's dispatched socket address;
	// every subsequent packet for this stream must target it instead of
	// the well-known listener address, or it never reaches the peer.
	remote = from
	if peerEndpoint, err := packet.DecodeEndpoint(resp.Data); err == nil {
		remote = &net.UDPAddr{IP: peerEndpoint.IP, Port: int(peerEndpoint.Port)}
	}

	ack := packet.New(packet.TypeAck, ackSeq, remote.IP, uint16(remote.Port), nil)
	if err := sendTo(conn, ack, remote, proxy); err != nil {
		conn.Close()
		handshakesTotal.WithLabelValues("client", "failure").Inc()
		return nil, wrapf(ErrHandshakeFailure, "ack: %v", err)
	}

	handshakesTotal.WithLabelValues("client", "success").Inc()
	s := newStream(conn, remote, proxy, clientFirstData, serverFirstData)
	s.handshakeAck = ack
	return s, nil
}
