// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	perrors "github.com/multani/redis-proxy/pkg/errors"
)

// BufferSize is the size of the single chunk a relay keeps in flight.
const BufferSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

// Direction indicates the direction of byte flow within a session.
type Direction int

const (
	// Outbound represents bytes flowing from the client to the upstream server.
	Outbound Direction = iota

	// Inbound represents bytes flowing from the upstream server to the client.
	Inbound
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Stream is a bidirectional byte stream whose blocking calls can be
// interrupted by moving their deadline. net.Conn satisfies it.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Relay copies bytes from Src to Dst. It is the sole writer of Dst for its
// whole lifetime and closes Dst when it stops; Src is never closed here.
type Relay struct {
	Src       Stream
	Dst       Stream
	Direction Direction
	Logger    *slog.Logger
}

// New creates a relay for one direction of a session.
func New(src, dst Stream, dir Direction, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Src:       src,
		Dst:       dst,
		Direction: dir,
		Logger:    logger,
	}
}

// Flow runs the relay until Src reaches end-of-stream, an I/O error occurs or
// ctx is cancelled. It returns the number of bytes written to Dst.
//
// A clean end-of-stream returns a nil error. Cancellation returns ctx.Err().
// I/O failures are wrapped in errors.ErrRelay, except failures caused by the
// other relay of the session closing a shared stream, which are wrapped in
// errors.ErrConnectionClosed.
func (r *Relay) Flow(ctx context.Context) (written int64, err error) {
	defer func() {
		if cerr := r.Dst.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			r.Logger.Debug("failed to close relay destination",
				slog.String("direction", r.Direction.String()),
				slog.String("error", cerr.Error()))
		}
	}()

	// Moving both deadlines into the past unblocks a pending Read or Write
	// without closing Src, which belongs to the session.
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		r.Src.SetReadDeadline(now)
		r.Dst.SetWriteDeadline(now)
	})
	defer stop()

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := r.Src.Read(buf)
		if nr > 0 {
			nw, werr := r.Dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, r.failure(ctx, werr)
			}
			r.Logger.Debug("relayed chunk",
				slog.String("direction", r.Direction.String()),
				slog.Int("bytes", nw))
		}

		switch {
		case rerr == nil && nr == 0:
			r.Logger.Debug("end of stream", slog.String("direction", r.Direction.String()))
			return written, nil
		case errors.Is(rerr, io.EOF):
			r.Logger.Debug("end of stream", slog.String("direction", r.Direction.String()))
			return written, nil
		case rerr != nil:
			return written, r.failure(ctx, rerr)
		}
	}
}

func (r *Relay) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return perrors.Join(perrors.ErrConnectionClosed, err)
	}
	return perrors.Join(perrors.ErrRelay, err)
}
