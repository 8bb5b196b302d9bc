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

package router

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rdx/packet"
)

func mustRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(Config{Listen: "127.0.0.1:0", RouteTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func runRouter(t *testing.T, r *Router) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Run()
	}()
	t.Cleanup(wg.Wait)
}

func udpPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRouterForwardsByDeclaredDestination(t *testing.T) {
	r := mustRouter(t)
	routerAddr := r.Addr().(*net.UDPAddr)
	runRouter(t, r)

	server := udpPeer(t)
	client := udpPeer(t)

	serverAddr := server.LocalAddr().(*net.UDPAddr)

	pkt := packet.New(packet.TypeData, 7, serverAddr.IP, uint16(serverAddr.Port), []byte("hello"))
	encoded, err := packet.Encode(pkt)
	require.NoError(t, err)

	_, err = client.WriteToUDP(encoded, routerAddr)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := server.ReadFromUDP(buf)
	require.NoError(t, err)

	got, err := packet.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, pkt.Data, got.Data)
	assert.Equal(t, pkt.Seq, got.Seq)
}

func TestRouterLearnsAddressFromHandshakeEndpoint(t *testing.T) {
	r := mustRouter(t)
	routerAddr := r.Addr().(*net.UDPAddr)
	runRouter(t, r)

	a := udpPeer(t)
	b := udpPeer(t)
	bAddr := b.LocalAddr().(*net.UDPAddr)

	// a announces itself behind an unroutable declared address; the router
	// must learn a's true address from the SYN's Endpoint payload so a
	// later packet addressed to that declared identity still reaches a.
	declared := packet.Endpoint{IP: net.IPv4(10, 99, 99, 99), Port: 4321}
	synPayload, err := packet.EncodeEndpoint(declared)
	require.NoError(t, err)

	syn := packet.New(packet.TypeSyn, 0, bAddr.IP, uint16(bAddr.Port), synPayload)
	encoded, err := packet.Encode(syn)
	require.NoError(t, err)
	_, err = a.WriteToUDP(encoded, routerAddr)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := b.ReadFromUDP(buf)
	require.NoError(t, err)
	_, err = packet.Decode(buf[:n])
	require.NoError(t, err)

	// b now replies addressed to a's declared (unroutable) identity; the
	// router should rewrite it to a's learned true address instead.
	synAck := packet.New(packet.TypeSynAck, 1, declared.IP, declared.Port, nil)
	encoded, err = packet.Encode(synAck)
	require.NoError(t, err)
	_, err = b.WriteToUDP(encoded, routerAddr)
	require.NoError(t, err)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err = a.ReadFromUDP(buf)
	require.NoError(t, err)
	got, err := packet.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, packet.TypeSynAck, got.Type)
}

func TestRouterDropsMalformedDatagrams(t *testing.T) {
	r := mustRouter(t)
	routerAddr := r.Addr().(*net.UDPAddr)
	runRouter(t, r)

	before := testutil.ToFloat64(routerDroppedTotal)

	client := udpPeer(t)
	_, err := client.WriteToUDP([]byte("short"), routerAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(routerDroppedTotal) > before
	}, time.Second, 10*time.Millisecond, "router should count the malformed datagram as dropped")
}
