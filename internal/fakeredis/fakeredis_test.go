// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fakeredis

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func start(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := Start(opts...)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServer_GoRedisClient(t *testing.T) {
	s := start(t, Password("secret"))

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), Password: "secret"})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatalf("SET: %v", err)
	}
	got, err := rdb.Get(ctx, "k").Result()
	if err != nil || got != "v" {
		t.Errorf("GET = %q, %v", got, err)
	}
	if _, err := rdb.Get(ctx, "missing").Result(); !errors.Is(err, redis.Nil) {
		t.Errorf("GET missing: %v, want redis.Nil", err)
	}
}

func TestServer_WrongPassword(t *testing.T) {
	s := start(t, Password("secret"))

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), Password: "nope"})
	defer rdb.Close()

	err := rdb.Ping(context.Background()).Err()
	if err == nil || !strings.HasPrefix(err.Error(), "WRONGPASS") {
		t.Errorf("PING with wrong password: %v, want WRONGPASS", err)
	}
}

func TestServer_InlineCommands(t *testing.T) {
	s := start(t, Password("secret"))

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	tests := []struct {
		send string
		want string
	}{
		{"PING\r\n", "-NOAUTH Authentication required.\r\n"},
		{"AUTH wrong\r\n", "-WRONGPASS invalid username-password pair or user is disabled.\r\n"},
		{"AUTH secret\r\n", "+OK\r\n"},
		{"PING\r\n", "+PONG\r\n"},
		{"HELLO 3\r\n", "-ERR unknown command 'HELLO'\r\n"},
		{"QUIT\r\n", "+OK\r\n"},
	}

	for _, tt := range tests {
		io.WriteString(conn, tt.send)
		got, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("%q: read: %v", tt.send, err)
		}
		if got != tt.want {
			t.Errorf("%q: got %q, want %q", tt.send, got, tt.want)
		}
	}

	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected connection closed after QUIT, got %v", err)
	}

	cmds := s.Commands()
	if len(cmds) != len(tests) || cmds[2][0] != "AUTH" || cmds[2][1] != "secret" {
		t.Errorf("Commands() = %v", cmds)
	}
}

func TestServer_AuthWithoutPassword(t *testing.T) {
	s := start(t)

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	io.WriteString(conn, "AUTH secret\r\n")
	got, _ := bufio.NewReader(conn).ReadString('\n')
	if !strings.HasPrefix(got, "-ERR AUTH") {
		t.Errorf("AUTH without configured password = %q", got)
	}
}
