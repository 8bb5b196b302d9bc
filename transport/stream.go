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
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/internal/fasttime"
	"github.com/packetd/rdx/internal/zerocopy"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/packet"
)

// udpStream is the RDX implementation of the Stream interface
//
// A single udpStream owns one ephemeral UDP socket for its whole life. All
// I/O is synchronous: Write drives its own reliable_send/ACK loop per
// chunk and Read pulls DATA packets off the wire on demand, buffering
// out-of-order arrivals in recvBuffer until they become deliverable in
// sequence. This keeps the state machine a single goroutine can reason
// about, matching the "per-stream single-owner access" requirement.
type udpStream struct {
	id   string
	conn *net.UDPConn
	remote *net.UDPAddr
	proxy  *net.UDPAddr

	nextSendSeq uint32

	mu              sync.Mutex
	recvBuffer      map[uint32]zerocopy.Buffer
	nextExpectedSeq uint32
	lastSeq         *uint32 // seq carried by a FIN/FLUSH once observed
	peerFlushed     bool
	peerFinished    bool

	closed       atomic.Bool
	latchedErr   atomic.Pointer[error]
	activeAt     atomic.Int64
	handshakeAck packet.Packet // last handshake packet this side sent (ACK or SYN-ACK); Read and Write never resend it
}

func newStream(conn *net.UDPConn, remote, proxy *net.UDPAddr, nextSendSeq, nextExpectedSeq uint32) *udpStream {
	s := &udpStream{
		id:              uuid.NewString(),
		conn:            conn,
		remote:          remote,
		proxy:           proxy,
		nextSendSeq:     nextSendSeq,
		nextExpectedSeq: nextExpectedSeq,
		recvBuffer:      make(map[uint32]zerocopy.Buffer),
	}
	s.activeAt.Store(fasttime.UnixTimestamp())
	activeStreams.Inc()
	return s
}

// ActiveAt 返回该 Stream 最后一次收发数据的 unix 时间戳
func (s *udpStream) ActiveAt() time.Time {
	return time.Unix(s.activeAt.Load(), 0)
}

func (s *udpStream) touch() {
	s.activeAt.Store(fasttime.UnixTimestamp())
}

func (s *udpStream) latch(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatalIO) {
		fatalIOTotal.Inc()
		s.latchedErr.Store(&err)
	}
	return err
}

func (s *udpStream) checkLatched() error {
	if p := s.latchedErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Write implements Stream.
func (s *udpStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}
	if err := s.checkLatched(); err != nil {
		return 0, err
	}

	cs := packet.NewChunkStream(p, s.nextSendSeq)
	cs.WithPeer(s.remote.IP, uint16(s.remote.Port))

	written := 0
	for {
		pkt, ok := cs.Next()
		if !ok {
			break
		}

		wantSeq := pkt.Seq
		_, _, err := reliableSendSeq(s.conn, pkt, s.remote, s.proxy, []packet.Type{packet.TypeAck}, &wantSeq, false,
			common.DataAttempts, common.IOTimeout)
		if err != nil {
			return written, s.latch(wrapf(err, "write seq=%d", pkt.Seq))
		}

		s.nextSendSeq = pkt.Seq + 1
		written += len(pkt.Data)
		s.touch()
	}

	return written, nil
}

// Flush implements Stream.
func (s *udpStream) Flush() error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if err := s.checkLatched(); err != nil {
		return err
	}

	pkt := packet.New(packet.TypeFlush, s.nextSendSeq, s.remote.IP, uint16(s.remote.Port), nil)
	wantSeq := pkt.Seq
	_, _, err := reliableSendSeq(s.conn, pkt, s.remote, s.proxy, []packet.Type{packet.TypeAck}, &wantSeq, false,
		common.DataAttempts, common.IOTimeout)
	if err != nil {
		return s.latch(wrapf(err, "flush seq=%d", pkt.Seq))
	}
	s.nextSendSeq++
	return nil
}

// Read implements Stream.
func (s *udpStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, err := s.drainBuffered(p); n > 0 || err != nil {
		return n, err
	}

	for {
		if s.closed.Load() {
			return 0, io.EOF
		}
		if err := s.checkLatched(); err != nil {
			return 0, err
		}

		if err := s.receiveOne(); err != nil {
			if errors.Is(err, ErrTransientIO) {
				continue
			}
			return 0, s.latch(err)
		}

		if n, err := s.drainBuffered(p); n > 0 || err != nil {
			return n, err
		}
	}
}

// drainBuffered delivers as many in-order bytes from recvBuffer into p as
// are available, honoring partial consumption of a buffered packet. Once
// every byte up to and including a FLUSH/FIN barrier has been delivered,
// it reports io.EOF instead of blocking for more.
func (s *udpStream) drainBuffered(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		buf, ok := s.recvBuffer[s.nextExpectedSeq]
		if !ok {
			break
		}

		chunk, err := buf.Read(len(p) - n)
		if errors.Is(err, io.EOF) {
			delete(s.recvBuffer, s.nextExpectedSeq)
			s.nextExpectedSeq++
			continue
		}
		n += copy(p[n:], chunk)
	}
	if n > 0 {
		s.touch()
	}
	if n == 0 && s.lastSeq != nil && s.nextExpectedSeq > *s.lastSeq {
		return 0, io.EOF
	}
	return n, nil
}

// receiveOne blocks for a single inbound packet and either buffers it (if
// out-of-order or a duplicate) or records it for delivery.
func (s *udpStream) receiveOne() error {
	buf := make([]byte, common.MaxDatagramSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(common.IOTimeout)); err != nil {
		return wrapf(ErrFatalIO, "%v", err)
	}

	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return classifyIOError(err)
	}
	if !addressAcceptable(from, s.remote, s.proxy) {
		logger.Debugf("stream %s: ignoring packet from unexpected address %s", s.id, from)
		return ErrTransientIO
	}

	pkt, err := packet.Decode(buf[:n])
	if err != nil {
		logger.Debugf("stream %s: dropping malformed packet: %v", s.id, err)
		return ErrTransientIO
	}

	switch pkt.Type {
	case packet.TypeData, packet.TypeFlush:
		s.ackPacket(pkt)
		s.bufferPacket(pkt)
		return nil

	case packet.TypeFin:
		s.ackFin(pkt)
		s.bufferPacket(pkt)
		return nil

	case packet.TypeFinAck:
		s.peerFinished = true
		return nil

	default:
		return ErrTransientIO
	}
}

func (s *udpStream) bufferPacket(pkt packet.Packet) {
	if pkt.Seq < s.nextExpectedSeq {
		return // already delivered, ACK already re-sent above
	}
	if _, dup := s.recvBuffer[pkt.Seq]; dup {
		return
	}

	s.recvBuffer[pkt.Seq] = zerocopy.NewBuffer(pkt.Data)
	if pkt.Type == packet.TypeFlush || pkt.Type == packet.TypeFin {
		seq := pkt.Seq
		s.lastSeq = &seq
		if pkt.Type == packet.TypeFlush {
			s.peerFlushed = true
		}
	}
}

// ackPacket re-sends an ACK for every DATA/FLUSH packet it sees, including
// duplicates, so a peer retransmitting because it lost our first ACK
// always gets one.
func (s *udpStream) ackPacket(pkt packet.Packet) {
	ack := packet.New(packet.TypeAck, pkt.Seq, s.remote.IP, uint16(s.remote.Port), nil)
	if err := sendTo(s.conn, ack, s.remote, s.proxy); err != nil {
		logger.Debugf("stream %s: failed to ack seq=%d: %v", s.id, pkt.Seq, err)
	}
}

// ackFin replies to a FIN with a FIN-ACK, including on duplicates.
func (s *udpStream) ackFin(pkt packet.Packet) {
	finAck := packet.New(packet.TypeFinAck, pkt.Seq, s.remote.IP, uint16(s.remote.Port), nil)
	if err := sendTo(s.conn, finAck, s.remote, s.proxy); err != nil {
		logger.Debugf("stream %s: failed to fin-ack seq=%d: %v", s.id, pkt.Seq, err)
	}
}

// Close implements Stream. It is idempotent and best-effort: the FIN/
// FIN-ACK handshake is attempted but its failure does not prevent the
// socket from being released.
func (s *udpStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	activeStreams.Dec()

	if s.checkLatched() == nil {
		fin := packet.New(packet.TypeFin, s.nextSendSeq, s.remote.IP, uint16(s.remote.Port), nil)
		_, _, err := reliableSend(s.conn, fin, s.remote, s.proxy, []packet.Type{packet.TypeFinAck}, false, common.HandshakeAttempts, common.IOTimeout)
		if err != nil {
			logger.Debugf("stream %s: close handshake incomplete: %v", s.id, err)
		}
	}

	return s.conn.Close()
}

func (s *udpStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *udpStream) RemoteAddr() net.Addr { return s.remote }

func (s *udpStream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *udpStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *udpStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
