// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the Redis proxy coordinator that wires together the
// listener, the session runner, the upstream connector and a handler.
//
// # Architecture
//
//	Application
//	     ↓
//	┌──────────────┐
//	│  RedisProxy  │  (Coordinator)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  tcp.Server  │  (Listener)
//	└──────────────┘
//	     ↓ one goroutine per client
//	┌──────────────┐
//	│   Session    │  (AUTH injection, then two relays)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  Connector   │  (Dial + AUTH, optional circuit breaker)
//	└──────────────┘
//
// The proxy never interprets commands. After the optional AUTH exchange it
// copies bytes in both directions until either side closes.
//
// # Example
//
//	p, err := proxy.NewRedis(proxy.RedisConfig{
//		Host:             "127.0.0.1",
//		Port:             "6379",
//		UpstreamHost:     "redis.internal",
//		UpstreamPort:     "6379",
//		UpstreamPassword: os.Getenv("REDIS_PASSWORD"),
//	}, simple.New(logger))
//	if err != nil {
//		return err
//	}
//	return p.Listen(ctx)
package proxy
