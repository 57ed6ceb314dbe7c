// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fakeredis is a minimal in-process Redis server for tests. It speaks
// enough RESP2 for AUTH, PING, ECHO, SET, GET, DEL, SELECT and QUIT, accepts
// both RESP arrays and inline commands, and answers anything else with an
// "unknown command" error.
package fakeredis

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

const maxBulkLen = 512 * 1024 * 1024

// Server is a fake Redis server listening on a loopback port.
type Server struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	data     map[string]string
	commands [][]string
	conns    map[net.Conn]struct{}
	accepted int

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(s *Server)

// Password makes the server require AUTH with pw before any other command.
func Password(pw string) Option {
	return func(s *Server) {
		s.password = pw
	}
}

// Start listens on 127.0.0.1 with a random port and serves until Close.
func Start(opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:    ln,
		data:  make(map[string]string),
		conns: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Commands returns every command received so far, in arrival order.
func (s *Server) Commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the listener, closes every open connection and waits for the
// connection goroutines to exit.
func (s *Server) Close() error {
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.password == ""

	for {
		args, err := readCommand(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				writeError(w, "ERR Protocol error: "+err.Error())
				w.Flush()
			}
			return
		}
		if len(args) == 0 {
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, args)
		s.mu.Unlock()

		quit := s.exec(w, args, &authed)
		// Pipelined commands are answered together.
		if r.Buffered() == 0 || quit {
			if err := w.Flush(); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

func (s *Server) exec(w *bufio.Writer, args []string, authed *bool) (quit bool) {
	name := strings.ToUpper(args[0])

	switch name {
	case "AUTH":
		s.auth(w, args[1:], authed)
		return false
	case "QUIT":
		writeSimple(w, "OK")
		return true
	}

	if !*authed {
		writeError(w, "NOAUTH Authentication required.")
		return false
	}

	switch name {
	case "PING":
		if len(args) > 1 {
			writeBulk(w, args[1])
		} else {
			writeSimple(w, "PONG")
		}
	case "ECHO":
		if len(args) != 2 {
			writeArity(w, args[0])
			break
		}
		writeBulk(w, args[1])
	case "SET":
		if len(args) < 3 {
			writeArity(w, args[0])
			break
		}
		s.mu.Lock()
		s.data[args[1]] = args[2]
		s.mu.Unlock()
		writeSimple(w, "OK")
	case "GET":
		if len(args) != 2 {
			writeArity(w, args[0])
			break
		}
		s.mu.Lock()
		v, ok := s.data[args[1]]
		s.mu.Unlock()
		if !ok {
			w.WriteString("$-1\r\n")
			break
		}
		writeBulk(w, v)
	case "DEL":
		n := 0
		s.mu.Lock()
		for _, k := range args[1:] {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		s.mu.Unlock()
		fmt.Fprintf(w, ":%d\r\n", n)
	case "SELECT":
		writeSimple(w, "OK")
	default:
		writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
	return false
}

func (s *Server) auth(w *bufio.Writer, args []string, authed *bool) {
	var pw string
	switch len(args) {
	case 1:
		pw = args[0]
	case 2:
		if args[0] != "default" {
			writeError(w, "WRONGPASS invalid username-password pair or user is disabled.")
			return
		}
		pw = args[1]
	default:
		writeArity(w, "auth")
		return
	}

	if s.password == "" {
		writeError(w, "ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
		return
	}
	if subtle.ConstantTimeCompare([]byte(pw), []byte(s.password)) != 1 {
		writeError(w, "WRONGPASS invalid username-password pair or user is disabled.")
		return
	}

	*authed = true
	writeSimple(w, "OK")
}

// readCommand reads one RESP array of bulk strings or one inline command.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid multibulk length %q", line[1:])
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(hdr, "$") {
			return nil, fmt.Errorf("expected '$', got %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil || size < 0 || size > maxBulkLen {
			return nil, fmt.Errorf("invalid bulk length %q", hdr[1:])
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if line != "" && errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(w *bufio.Writer, s string) {
	w.WriteString("+" + s + "\r\n")
}

func writeError(w *bufio.Writer, s string) {
	w.WriteString("-" + s + "\r\n")
}

func writeBulk(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
}

func writeArity(w *bufio.Writer, cmd string) {
	writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}
