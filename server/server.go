// Package server implements the concurrent face-detection service: an
// admission-capped acceptor, a per-connection protocol state machine
// and the shared statistics counters.
package server

import (
	"context"
	"errors"
	"net"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config is immutable after boot.
type Config struct {
	// MaxConnections caps concurrent workers. 0 means unlimited.
	MaxConnections int
	// MaxImageBytes rejects larger payloads. Callers promote a
	// configured 0 to the maximum 32-bit value before boot.
	MaxImageBytes uint32
	// ResponseFile is streamed verbatim to clients that send a bad
	// magic.
	ResponseFile string
}

type Server struct {
	cfg    Config
	engine Engine
	stats  *Stats
	sem    *semaphore.Weighted // nil when MaxConnections is 0
	log    *log.Logger
}

func New(cfg Config, engine Engine, stats *Stats, logger *log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		stats:  stats,
		log:    logger,
	}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return s
}

// Serve accepts until the listener closes. Workers detach: each one
// runs its session, then releases its admission permit and moves the
// connection to completed. Accept errors only cost the one accept; the
// loop keeps going.
func (s *Server) Serve(ln net.Listener) error {
	for {
		if s.sem != nil {
			// Block admission before accepting so the kernel queue,
			// not the process, holds the overflow.
			if err := s.sem.Acquire(context.Background(), 1); err != nil {
				return err
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		s.stats.ClientConnected()
		id := uuid.NewString()
		s.log.Info("client connected", "id", id, "remote", conn.RemoteAddr())

		sess := &session{
			id:       id,
			conn:     conn,
			engine:   s.engine,
			stats:    s.stats,
			maxImage: s.cfg.MaxImageBytes,
			respFile: s.cfg.ResponseFile,
			log:      s.log,
		}
		go func() {
			sess.run()
			if s.sem != nil {
				s.sem.Release(1)
			}
			s.stats.ClientDone()
			s.log.Info("client finished", "id", id)
		}()
	}
}
