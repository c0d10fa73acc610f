// Package transport implements the kernel's local stream socket server: it
// owns the listening socket file, accepts one connection per agent, and
// runs each connection's read-dispatch-write loop. Framing is handled by
// internal/wire; opcode semantics by internal/dispatch. The accept-loop and
// graceful-drain shape follows arkeep's main.go (signal.NotifyContext plus
// a bounded shutdown timeout), generalized from a single http.Server to an
// arbitrary number of tracked net.Conns.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/dispatch"
	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/registry"
	"github.com/agentkernel/kernel/internal/wire"
)

// DefaultWorkerPoolSize bounds the number of syscalls dispatched
// concurrently across every connection. A connection whose turn exceeds
// the pool waits at the semaphore before its next frame is even read,
// which is the back-pressure mechanism: a burst of slow EXEC/HTTP calls
// throttles how fast new frames are accepted, rather than piling up
// unbounded goroutines.
const DefaultWorkerPoolSize = 64

// Server owns the kernel's listening socket and every live connection.
type Server struct {
	socketPath string
	mode       os.FileMode
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	bus        *eventbus.Bus
	logger     *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New builds a Server bound to socketPath (not yet listening). mode is the
// filesystem permission applied to the socket file after creation.
func New(socketPath string, mode os.FileMode, workerPoolSize int, d *dispatch.Dispatcher, reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Server {
	if workerPoolSize <= 0 {
		workerPoolSize = DefaultWorkerPoolSize
	}
	return &Server{
		socketPath: socketPath,
		mode:       mode,
		dispatcher: d,
		registry:   reg,
		bus:        bus,
		logger:     logger.Named("transport"),
		sem:        make(chan struct{}, workerPoolSize),
		conns:      make(map[net.Conn]struct{}),
	}
}

// removeStaleSocket deletes a leftover socket file from a previous,
// uncleanly terminated run. A regular file or directory at the path is
// left alone and reported as an error — only a socket is safe to clobber.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("transport: %q exists and is not a socket", path)
	}
	return os.Remove(path)
}

// ListenAndServe blocks, accepting connections until ctx is cancelled, then
// closes active connections and waits for their handlers to finish before
// returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return fmt.Errorf("transport: cleaning up stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("transport: listening on %q: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, s.mode); err != nil {
		ln.Close()
		return fmt.Errorf("transport: setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", zap.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.stopAccepting()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				break
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	os.Remove(s.socketPath)
	s.logger.Info("stopped")
	return nil
}

func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Shutdown stops accepting new connections and closes every tracked
// connection, waiting up to the context deadline for in-flight dispatches
// to finish draining.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopAccepting()

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	agentID := s.registry.Allocate()
	s.logger.Info("agent connected", zap.Uint32("agent_id", agentID))

	defer func() {
		s.registry.Remove(agentID)
		s.bus.RemoveAgent(agentID)
		s.logger.Info("agent disconnected", zap.Uint32("agent_id", agentID))
	}()

	reader := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", zap.Uint32("agent_id", agentID), zap.Error(err))
			}
			return
		}
		frame.AgentID = agentID

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		reply := s.dispatcher.Handle(ctx, frame)
		<-s.sem

		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := wire.Encode(conn, reply); err != nil {
			s.logger.Warn("writing reply failed", zap.Uint32("agent_id", agentID), zap.Error(err))
			return
		}
		if frame.Opcode == 0xFF { // EXIT: its reply is the connection's last frame
			return
		}
	}
}
