// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dtlstransport is one concrete implementation of the engine's
// datagram I/O transport seam. The engine core never imports this
// package directly - it only depends on the Transport interface below -
// but a cmd/ binary that wants DTLS-secured CoAP (as opposed to plain
// UDP, or an application-layer-only OSCORE deployment) wires this in.
// Built directly on github.com/pion/dtls/v2.
package dtlstransport

import (
	"context"
	"fmt"
	"net"

	piondtls "github.com/pion/dtls/v2"
)

// Transport is the engine's datagram I/O contract: send one datagram
// to peer, and receive datagrams as an event stream.
type Transport interface {
	Send(peer net.Addr, b []byte) error
	Recv() <-chan Datagram
	Close() error
}

// Datagram is one inbound packet plus its source address, handed to the
// engine's parse entry point.
type Datagram struct {
	Peer net.Addr
	Data []byte
}

// Listener accepts DTLS sessions on a UDP socket and multiplexes their
// payloads onto a single Datagram channel.
type Listener struct {
	ln     net.Listener
	datc   chan Datagram
	closed chan struct{}
}

// Listen opens addr (e.g. ":5684", the IANA CoAP-DTLS port) for DTLS
// sessions using cfg. Certificates must already be populated on cfg.
func Listen(addr string, cfg *piondtls.Config) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dtlstransport: resolving %s: %w", addr, err)
	}
	ln, err := piondtls.Listen("udp", udpAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dtlstransport: listening on %s: %w", addr, err)
	}
	l := &Listener{
		ln:     ln,
		datc:   make(chan Datagram, 64),
		closed: make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				continue
			}
		}
		go l.readLoop(conn)
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		cp := append([]byte(nil), buf[:n]...)
		select {
		case l.datc <- Datagram{Peer: conn.RemoteAddr(), Data: cp}:
		case <-l.closed:
			return
		}
	}
}

// Recv returns the channel of inbound datagrams across all accepted
// sessions.
func (l *Listener) Recv() <-chan Datagram { return l.datc }

// Close stops the accept loop and closes the listener.
//
// The Listener has no Send - a DTLS session's
// response path goes back over the per-session net.Conn, which this
// package does not retain beyond its readLoop (use ListenAndServe for
// a reply-capable server). Callers that need a bidirectional per-peer
// handle should use Dial from the client side, or track net.Conn
// themselves if building a stateful server on top of this package.
func (l *Listener) Close() error {
	close(l.closed)
	return l.ln.Close()
}

// ListenAndServe accepts DTLS sessions on addr and serves every inbound
// datagram through handler, writing any non-nil reply back on the
// originating session - the synchronous request/response shape the
// engine's HandleDatagram produces. It blocks until the listener fails.
func ListenAndServe(addr string, cfg *piondtls.Config, handler func(peer net.Addr, data []byte) []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("dtlstransport: resolving %s: %w", addr, err)
	}
	ln, err := piondtls.Listen("udp", udpAddr, cfg)
	if err != nil {
		return fmt.Errorf("dtlstransport: listening on %s: %w", addr, err)
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dtlstransport: accept: %w", err)
		}
		go serveSession(conn, handler)
	}
}

func serveSession(conn net.Conn, handler func(peer net.Addr, data []byte) []byte) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		reply := handler(conn.RemoteAddr(), append([]byte(nil), buf[:n]...))
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// Conn is the client-side (or single-peer server-side) half of the
// Transport contract: one DTLS session to exactly one peer.
type Conn struct {
	conn net.Conn
}

// Dial opens a DTLS client session to addr.
func Dial(ctx context.Context, addr string, cfg *piondtls.Config) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dtlstransport: resolving %s: %w", addr, err)
	}
	conn, err := piondtls.DialWithContext(ctx, "udp", udpAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dtlstransport: dialing %s: %w", addr, err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes b on the session; peer is ignored (a Conn has exactly one
// remote endpoint) but kept in the signature to satisfy Transport.
func (c *Conn) Send(_ net.Addr, b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// Recv starts a read loop feeding a new Datagram channel for this
// session's single peer; every call starts another loop on the session.
func (c *Conn) Recv() <-chan Datagram {
	ch := make(chan Datagram, 16)
	go func() {
		defer close(ch)
		buf := make([]byte, 64*1024)
		for {
			n, err := c.conn.Read(buf)
			if err != nil {
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			ch <- Datagram{Peer: c.conn.RemoteAddr(), Data: cp}
		}
	}()
	return ch
}

func (c *Conn) Close() error { return c.conn.Close() }
