// Package server implements the listen/accept loop that turns incoming
// TCP connections into Sessions.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/icpz/open-snell/internal/netx"
	"github.com/icpz/open-snell/internal/session"
)

// Config configures the accept loop.
type Config struct {
	ListenAddr string
	Session    session.Config
	Logger     zerolog.Logger
}

// Run starts listening on cfg.ListenAddr and returns a shutdown
// function plus a channel that receives a fatal listen error, if any.
// Each accepted connection is served by its own goroutine running a
// Session; shutdown stops the listener and waits for every in-flight
// session to end (including any further v2 sub-sessions) before
// returning.
func Run(cfg Config) (shutdown func(), errCh <-chan error) {
	ch := make(chan error, 1)
	ready := make(chan struct{})

	var (
		mu       sync.Mutex
		listener net.Listener
		closed   bool
	)
	var wg sync.WaitGroup

	go func() {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			ch <- err
			close(ready)
			return
		}
		mu.Lock()
		listener = ln
		mu.Unlock()
		close(ready)

		for {
			conn, err := ln.Accept()
			if err != nil {
				mu.Lock()
				wasClosed := closed
				mu.Unlock()
				if wasClosed {
					return
				}
				cfg.Logger.Warn().Err(err).Msg("accept failed")
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := netx.TuneConn(tcpConn); err != nil {
					cfg.Logger.Debug().Err(err).Msg("socket tuning failed")
				}
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				sess := session.New(conn, cfg.Session, cfg.Logger)
				sess.Run(context.Background())
			}()
		}
	}()

	shutdown = func() {
		<-ready
		mu.Lock()
		closed = true
		ln := listener
		mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		wg.Wait()
	}

	return shutdown, ch
}
