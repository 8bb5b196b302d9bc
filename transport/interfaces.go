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
	"iter"
	"net"
	"time"
)

// Stream is a single, ordered, reliable, bidirectional byte-stream
// connection. A Stream is not safe for concurrent use: its reads and
// writes share one socket, so a single owner drives it one call at a time.
type Stream interface {
	// Read reads in-order bytes into p. It blocks until at least one
	// byte is available (returned with a nil error) or no more can come:
	// once every byte before the peer's FLUSH or FIN has been delivered,
	// or once the stream has been closed, Read returns 0 and io.EOF.
	Read(p []byte) (int, error)

	// Write reliably delivers p to the peer, chunked and retried as
	// needed. It returns once every chunk has been acknowledged or a
	// chunk's send fails; a fatal I/O error is also latched onto the
	// stream and returned by later calls.
	Write(p []byte) (int, error)

	// Flush sends an application-visible "no more data in this
	// direction" barrier. The peer's next Read observes io.EOF once it
	// has drained bytes written before the Flush.
	Flush() error

	// Close performs a best-effort graceful shutdown (FIN/FIN-ACK) and
	// releases the underlying socket. Close is idempotent.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// SetDeadline, SetReadDeadline and SetWriteDeadline mirror net.Conn.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Connectable dials a remote endpoint and returns a ready-to-use Stream
// after completing the three-way handshake.
type Connectable interface {
	Dial(addr string) (Stream, error)
}

// Bindable binds a listening socket at addr and returns a Listener.
type Bindable interface {
	Bind(addr string) (Listener, error)
}

// Listener accepts inbound connections on a bound socket.
type Listener interface {
	// Accept blocks until a peer completes the handshake and returns the
	// resulting Stream, bound to a freshly allocated local socket.
	Accept() (Stream, error)

	// Close stops accepting new connections and releases the listening
	// socket. Close is idempotent.
	Close() error

	// Addr returns the address the Listener is bound to.
	Addr() net.Addr

	// SetNonblocking toggles whether Accept waits indefinitely for the
	// next handshake (blocking, the default) or returns ErrTransientIO
	// after a short polling interval when nothing has arrived yet
	// (non-blocking). Non-blocking mode lets the accept loop check a
	// shutdown flag between polls instead of sitting inside a blocking
	// read until a peer happens to show up.
	SetNonblocking(nonblocking bool) error

	// Incoming returns a lazy iterator over repeated Accept calls: each
	// yielded pair is a result, since Accept may fail transiently in
	// non-blocking mode. Ranging over it stops as soon as the consumer
	// breaks out of the loop; it never buffers ahead.
	Incoming() iter.Seq2[Stream, error]
}
