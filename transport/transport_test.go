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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rdx/packet"
)

func mustListen(t *testing.T) (Listener, string) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	return ln, ln.Addr().String()
}

func TestHandshakeEstablishesSymmetricStream(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, serverErr = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()

	wg.Wait()
	require.NoError(t, serverErr)
	defer server.Close()

	us, ok := client.(*udpStream)
	require.True(t, ok)
	ss, ok := server.(*udpStream)
	require.True(t, ok)

	assert.EqualValues(t, clientFirstData, us.nextSendSeq)
	assert.EqualValues(t, serverFirstData, us.nextExpectedSeq)
	assert.EqualValues(t, serverFirstData, ss.nextSendSeq)
	assert.EqualValues(t, clientFirstData, ss.nextExpectedSeq)
}

func TestStreamDeliversDataInOrder(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	payload := []byte("the quick brown fox jumps over the lazy dog")

	// Write returns only after the server's Read has ACKed every chunk, so
	// it runs alongside the read below.
	type writeResult struct {
		n   int
		err error
	}
	writeDone := make(chan writeResult, 1)
	go func() {
		written, err := client.Write(payload)
		writeDone <- writeResult{n: written, err: err}
	}()

	got := make([]byte, len(payload))
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	res := <-writeDone
	require.NoError(t, res.err)
	assert.Equal(t, len(payload), res.n)
}

func TestStreamSplitsLargePayloadAcrossChunks(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	payload := make([]byte, 1014*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	go func() {
		_, _ = client.Write(payload)
	}()

	got := make([]byte, len(payload))
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestFlushSignalsEOFAfterDrainingPriorBytes(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	payload := []byte("done")

	// Write and Flush return only after the server's Read has ACKed them,
	// so they run alongside the reads below.
	writeErr := make(chan error, 1)
	flushErr := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		writeErr <- err
		flushErr <- client.Flush()
	}()

	got := make([]byte, len(payload))
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:n])
	require.NoError(t, <-writeErr)

	n, err = server.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, <-flushErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	wg.Wait()
	require.NotNil(t, server)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.NoError(t, server.Close())
	assert.NoError(t, server.Close())
}

func TestHandshakeRecordsSynFingerprintForDedup(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	l, ok := ln.(*udpListener)
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := ln.Accept()
		if err == nil {
			s.Close()
		}
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()

	assert.Greater(t, l.recentSyns.Count(), 0)
}

func TestAcceptReturnsErrorAfterClose(t *testing.T) {
	ln, _ := mustListen(t)
	require.NoError(t, ln.Close())

	_, err := ln.Accept()
	assert.Error(t, err)
}

func TestEOFAfterFinOnceBufferedBytesConsumed(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	payload := []byte("abc")

	// Write returns only after the server's Read has ACKed it, and Close
	// waits for the FIN-ACK that the server's Read sends, so both run
	// alongside the reads below.
	writeErr := make(chan error, 1)
	closeErr := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		writeErr <- err
		closeErr <- client.Close()
	}()

	got := make([]byte, len(payload))
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:n])
	require.NoError(t, <-writeErr)

	n, err = server.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, <-closeErr)
}

func TestConcurrentHandshakesYieldDistinctStreams(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	const clients = 25

	type accepted struct {
		stream Stream
		err    error
	}
	acceptedCh := make(chan accepted, clients)

	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		go func() {
			defer wg.Done()
			s, err := ln.Accept()
			acceptedCh <- accepted{stream: s, err: err}
		}()
	}

	var dialWg sync.WaitGroup
	dialWg.Add(clients)
	clientStreams := make(chan Stream, clients)
	for i := 0; i < clients; i++ {
		go func() {
			defer dialWg.Done()
			c, err := Dial(addr, nil)
			if err == nil {
				clientStreams <- c
			}
		}()
	}
	dialWg.Wait()
	wg.Wait()
	close(acceptedCh)
	close(clientStreams)

	seen := make(map[string]struct{})
	for a := range acceptedCh {
		require.NoError(t, a.err)
		require.NotNil(t, a.stream)
		addr := a.stream.RemoteAddr().String()
		_, dup := seen[addr]
		assert.False(t, dup, "two server streams bound to the same remote address")
		seen[addr] = struct{}{}
		a.stream.Close()
	}
	assert.Len(t, seen, clients)

	for c := range clientStreams {
		c.Close()
	}
}

// sendRaw writes a crafted packet straight onto a stream's underlying
// socket, bypassing its normal send/ACK loop, to exercise receive-path
// behavior (reordering, duplication) that Write never produces on its own.
func sendRaw(t *testing.T, s *udpStream, typ packet.Type, seq uint32, data []byte) {
	t.Helper()
	pkt := packet.New(typ, seq, s.remote.IP, uint16(s.remote.Port), data)
	encoded, err := packet.Encode(pkt)
	require.NoError(t, err)
	_, err = s.conn.WriteToUDP(encoded, s.remote)
	require.NoError(t, err)
}

func TestOutOfOrderDataDeliveredInSequence(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	us := client.(*udpStream)
	base := server.(*udpStream).nextExpectedSeq

	// Inject seqs base+2, base, base+1 in that arrival order; the reader
	// must still deliver "4", "5", "6" in ascending seq order.
	sendRaw(t, us, packet.TypeData, base+2, []byte("6"))
	sendRaw(t, us, packet.TypeData, base, []byte("4"))
	sendRaw(t, us, packet.TypeData, base+1, []byte("5"))

	got := make([]byte, 3)
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "456", string(got))
}

func TestDuplicateDataDeliveredOnce(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	var server Stream
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = ln.Accept()
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	wg.Wait()
	require.NotNil(t, server)
	defer server.Close()

	us := client.(*udpStream)
	base := server.(*udpStream).nextExpectedSeq

	sendRaw(t, us, packet.TypeData, base, []byte("dup"))
	sendRaw(t, us, packet.TypeData, base, []byte("dup"))

	got := make([]byte, 3)
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "dup", string(got[:n]))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	n, err = server.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.Error(t, err, "the duplicate must not be delivered a second time")
}

// TestHandshakeAcceptsDataInPlaceOfLostAck exercises spec.md §4.3/§4.7's
// recovery path: a client that already started sending DATA before its
// closing ACK arrives (or after that ACK was lost) must still complete the
// handshake, with the DATA delivered as the stream's first buffered input.
func TestHandshakeAcceptsDataInPlaceOfLostAck(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	require.NoError(t, err)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer clientConn.Close()

	local := clientConn.LocalAddr().(*net.UDPAddr)
	synPayload, err := packet.EncodeEndpoint(packet.Endpoint{IP: local.IP, Port: uint16(local.Port)})
	require.NoError(t, err)

	syn := packet.New(packet.TypeSyn, synSeq, raddr.IP, uint16(raddr.Port), synPayload)
	encoded, err := packet.Encode(syn)
	require.NoError(t, err)
	_, err = clientConn.WriteToUDP(encoded, raddr)
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		n, from, err := clientConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := packet.Decode(buf[:n]); err != nil {
			return
		}
		// Skip the ACK entirely and send DATA instead, as if the ACK had
		// been lost after the client had already moved on to writing.
		data := packet.New(packet.TypeData, clientFirstData, from.IP, uint16(from.Port), []byte("hi"))
		encoded, err := packet.Encode(data)
		if err != nil {
			return
		}
		_, _ = clientConn.WriteToUDP(encoded, from)
	}()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	got := make([]byte, 2)
	n, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got[:n]))
}

func TestListenerNonblockingAcceptReturnsTransientIOThenSucceeds(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	require.NoError(t, ln.SetNonblocking(true))

	_, err := ln.Accept()
	assert.ErrorIs(t, err, ErrTransientIO)

	var server Stream
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			s, err := ln.Accept()
			if err == nil {
				server = s
				return
			}
			if !errors.Is(err, ErrTransientIO) {
				serverErr = err
				return
			}
		}
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()

	wg.Wait()
	require.NoError(t, serverErr)
	require.NotNil(t, server)
	defer server.Close()
}

func TestIncomingYieldsAcceptedStreams(t *testing.T) {
	ln, addr := mustListen(t)
	defer ln.Close()

	results := make(chan Stream, 1)
	go func() {
		for s, err := range ln.Incoming() {
			if err != nil {
				return
			}
			results <- s
			return
		}
	}()

	client, err := Dial(addr, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case s := <-results:
		require.NotNil(t, s)
		s.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Incoming to yield a stream")
	}
}

func TestReliableSendReturnsInvalidResponseOnTypeMismatch(t *testing.T) {
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer clientConn.Close()

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 2048)
		n, from, err := serverConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := packet.Decode(buf[:n]); err != nil {
			return
		}
		nak := packet.New(packet.TypeNak, 0, from.IP, uint16(from.Port), nil)
		encoded, err := packet.Encode(nak)
		if err != nil {
			return
		}
		_, _ = serverConn.WriteToUDP(encoded, from)
	}()

	pkt := packet.New(packet.TypeSyn, synSeq, serverAddr.IP, uint16(serverAddr.Port), nil)
	_, _, err = reliableSend(clientConn, pkt, serverAddr, nil, []packet.Type{packet.TypeSynAck}, false, 2, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
