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
	"errors"
	"iter"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/internal/labels"
	"github.com/packetd/rdx/internal/ttlcache"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/packet"
)

// udpListener binds the well-known socket and accepts inbound handshakes
//
// Every accepted connection is handed a freshly bound ephemeral socket so
// that the well-known socket stays free to keep handshaking new peers; this
// mirrors a classic accept()-then-fork()-the-fd pattern adapted to UDP,
// where "forking the fd" means binding a brand new one and telling the
// peer (via SYN-ACK) to continue the conversation there.
type udpListener struct {
	sock  *net.UDPConn
	proxy *net.UDPAddr

	recentSyns *ttlcache.Cache[uint64, packet.Packet]
	exit       ExitSignal

	nonblocking atomic.Bool
}

// Listen binds addr and returns a Listener ready to Accept connections.
// proxy, when non-nil, is the router address through which replies should
// be routed instead of directly to the handshaking peer.
func Listen(addr string, proxy *net.UDPAddr) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, wrapf(ErrHandshakeFailure, "resolve %s: %v", addr, err)
	}

	sock, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, wrapf(ErrFatalIO, "bind %s: %v", addr, err)
	}

	return &udpListener{
		sock:       sock,
		proxy:      proxy,
		recentSyns: ttlcache.New[uint64, packet.Packet](common.DupSynWindow),
		exit:       NewExitSignal(),
	}, nil
}

func (l *udpListener) Addr() net.Addr {
	return l.sock.LocalAddr()
}

// SetNonblocking toggles non-blocking mode for Accept; the socket itself
// is left as it is. In non-blocking mode Accept polls with a short read
// deadline and returns
// ErrTransientIO when nothing arrived, instead of blocking indefinitely.
func (l *udpListener) SetNonblocking(nonblocking bool) error {
	l.nonblocking.Store(nonblocking)
	return nil
}

// Incoming returns a lazy iterator over repeated Accept calls.
func (l *udpListener) Incoming() iter.Seq2[Stream, error] {
	return func(yield func(Stream, error) bool) {
		for {
			stream, err := l.Accept()
			if !yield(stream, err) {
				return
			}
			if err != nil && errors.Is(err, ErrStreamClosed) {
				return
			}
		}
	}
}

// Accept blocks until a peer completes a handshake against the well-known
// socket, then returns a Stream bound to a freshly allocated local socket.
// When non-blocking mode is set, Accept instead returns ErrTransientIO
// after a short polling interval if no handshake has arrived, so the
// caller's loop can check a shutdown flag between polls.
func (l *udpListener) Accept() (Stream, error) {
	buf := make([]byte, common.MaxDatagramSize)

	for {
		if l.exit.ShouldExit() {
			return nil, wrapf(ErrStreamClosed, "listener closed")
		}

		if l.nonblocking.Load() {
			if err := l.sock.SetReadDeadline(time.Now().Add(common.IOTimeout)); err != nil {
				return nil, wrapf(ErrFatalIO, "%v", err)
			}
		} else if err := l.sock.SetReadDeadline(time.Time{}); err != nil {
			return nil, wrapf(ErrFatalIO, "%v", err)
		}

		n, from, err := l.sock.ReadFromUDP(buf)
		if err != nil {
			ioErr := classifyIOError(err)
			if isWouldBlock(err) {
				continue
			}
			if errors.Is(ioErr, ErrTransientIO) {
				if l.nonblocking.Load() {
					return nil, ioErr
				}
				continue
			}
			return nil, ioErr
		}

		syn, err := packet.Decode(buf[:n])
		if err != nil {
			logger.Debugf("listener: dropping malformed packet from %s: %v", from, err)
			continue
		}
		if syn.Type != packet.TypeSyn {
			logger.Debugf("listener: dropping unexpected %s from %s before handshake", syn.Type, from)
			continue
		}

		fingerprint := synFingerprint(syn, from)
		if l.recentSyns.Has(fingerprint) {
			duplicateSynTotal.Inc()
			logger.Debugf("listener: suppressing duplicate syn from %s", from)
			continue
		}
		l.recentSyns.Set(fingerprint, syn)

		stream, err := l.completeHandshake(syn, from)
		if err != nil {
			logger.Warnf("listener: handshake with %s failed: %v", from, err)
			handshakesTotal.WithLabelValues("server", "failure").Inc()
			continue
		}

		handshakesTotal.WithLabelValues("server", "success").Inc()
		return stream, nil
	}
}

// synFingerprint hashes the SYN's UDP source and declared Peer/Port (not
// the raw bytes) into the fixed-size key of the dedup window.
func synFingerprint(syn packet.Packet, from *net.UDPAddr) uint64 {
	lbs := labels.Labels{
		{Name: "from", Value: from.String()},
		{Name: "peer", Value: syn.Peer.String()},
		{Name: "port", Value: strconv.Itoa(int(syn.Port))},
	}
	return lbs.Hash()
}

// completeHandshake binds a new ephemeral socket dedicated to this peer,
// replies with SYN-ACK from it, and waits for the closing ACK.
func (l *udpListener) completeHandshake(syn packet.Packet, from *net.UDPAddr) (Stream, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, wrapf(ErrFatalIO, "bind ephemeral socket: %v", err)
	}

	local, _ := conn.LocalAddr().(*net.UDPAddr)

	remote := from
	if peerEndpoint, err := packet.DecodeEndpoint(syn.Data); err == nil {
		remote = &net.UDPAddr{IP: peerEndpoint.IP, Port: int(peerEndpoint.Port)}
	}

	synAckPayload, err := packet.EncodeEndpoint(packet.Endpoint{IP: local.IP, Port: uint16(local.Port)})
	if err != nil {
		conn.Close()
		return nil, wrapf(ErrHandshakeFailure, "encode syn-ack endpoint: %v", err)
	}

	// The closing ACK may be lost in transit even though the peer already
	// started sending DATA off the back of its own retry budget; accepting
	// DATA here too lets that DATA become the stream's first buffered input
	// instead of being dropped and forcing a doomed retransmit loop.
	synAck := packet.New(packet.TypeSynAck, synAckSeq, remote.IP, uint16(remote.Port), synAckPayload)
	resp, _, err := reliableSend(conn, synAck, remote, l.proxy, []packet.Type{packet.TypeAck, packet.TypeData}, false, common.HandshakeAttempts, common.IOTimeout)
	if err != nil {
		conn.Close()
		return nil, wrapf(ErrHandshakeFailure, "syn-ack: %v", err)
	}

	s := newStream(conn, remote, l.proxy, serverFirstData, clientFirstData)
	s.handshakeAck = synAck

	switch resp.Type {
	case packet.TypeAck:
		if resp.Seq != ackSeq {
			conn.Close()
			return nil, wrapf(ErrHandshakeFailure, "unexpected ack seq=%d", resp.Seq)
		}
	case packet.TypeData:
		s.ackPacket(resp)
		s.bufferPacket(resp)
	}

	return s, nil
}

// Close stops accepting new connections and releases the listening socket.
func (l *udpListener) Close() error {
	if l.exit.ShouldExit() {
		return nil
	}
	l.exit.Shutdown()
	l.recentSyns.Close()
	return l.sock.Close()
}
