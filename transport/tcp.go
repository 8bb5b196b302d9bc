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
	"sync/atomic"
	"time"

	"github.com/packetd/rdx/common"
)

// tcpStreamConn thinly wraps a net.TCPConn so that TCP can stand in for
// RDX behind the same Stream interface. It does not re-derive any of
// TCP's semantics; the only addition is Flush, which a plain net.Conn has
// no concept of, so it is a no-op.
type tcpStreamConn struct {
	*net.TCPConn
}

func (t *tcpStreamConn) Flush() error { return nil }

// TCPConnector implements Connectable over a plain TCP socket.
type TCPConnector struct{}

func (TCPConnector) Dial(addr string) (Stream, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &tcpStreamConn{conn}, nil
}

// TCPBinder implements Bindable over a plain TCP listening socket.
type TCPBinder struct{}

func (TCPBinder) Bind(addr string) (Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln}, nil
}

type tcpListener struct {
	*net.TCPListener

	nonblocking atomic.Bool
}

// SetNonblocking mirrors udpListener's: in non-blocking mode Accept returns
// ErrTransientIO once the short polling deadline passes with no connection,
// rather than blocking indefinitely.
func (l *tcpListener) SetNonblocking(nonblocking bool) error {
	l.nonblocking.Store(nonblocking)
	return nil
}

// Incoming returns a lazy iterator over repeated Accept calls.
func (l *tcpListener) Incoming() iter.Seq2[Stream, error] {
	return func(yield func(Stream, error) bool) {
		for {
			stream, err := l.Accept()
			if !yield(stream, err) {
				return
			}
		}
	}
}

func (l *tcpListener) Accept() (Stream, error) {
	if l.nonblocking.Load() {
		if err := l.TCPListener.SetDeadline(time.Now().Add(common.IOTimeout)); err != nil {
			return nil, err
		}
	} else if err := l.TCPListener.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		if l.nonblocking.Load() {
			return nil, classifyIOError(err)
		}
		return nil, err
	}
	return &tcpStreamConn{conn}, nil
}
