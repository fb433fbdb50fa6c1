package bnc

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hixio-mh/kiwibnc/database"
	"github.com/hixio-mh/kiwibnc/msgstore"
)

// Server is the top-level bouncer instance. It owns the persistent stores,
// the live-connection registry and the downstream command dispatch table.
type Server struct {
	Hostname string
	Logger   Logger
	Debug    bool

	db       *database.DB
	msgStore *msgstore.Store
	registry *Registry
	handlers *handlerRegistry
	metrics  *metrics

	conCounter uint64

	lock      sync.Mutex
	listeners map[net.Listener]struct{}
	shutdown  chan struct{}
}

func NewServer(db *database.DB, msgStore *msgstore.Store) *Server {
	srv := &Server{
		Hostname:  "localhost",
		Logger:    log.New(log.Writer(), "", log.LstdFlags),
		db:        db,
		msgStore:  msgStore,
		registry:  NewRegistry(),
		handlers:  newHandlerRegistry(),
		metrics:   newMetrics(),
		listeners: make(map[net.Listener]struct{}),
		shutdown:  make(chan struct{}),
	}
	srv.handlers.Register(registerCoreHandlers)
	srv.handlers.Register(registerBouncerHandlers)
	return srv
}

func (s *Server) newConID() string {
	return fmt.Sprintf("downstream.%d", atomic.AddUint64(&s.conCounter, 1))
}

// Start resumes the upstream connections persisted by a previous run.
func (s *Server) Start() error {
	recs, err := s.db.ListConnectionsByType(int(ConnTypeOutgoing))
	if err != nil {
		return err
	}
	for i := range recs {
		if err := s.resumeUpstream(&recs[i]); err != nil {
			s.Logger.Printf("failed to resume connection %q: %v", recs[i].ConID, err)
		}
	}
	s.Logger.Printf("resumed %d upstream connection(s)", len(recs))
	return nil
}

func (s *Server) Serve(ln net.Listener) error {
	s.lock.Lock()
	s.listeners[ln] = struct{}{}
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.listeners, ln)
		s.lock.Unlock()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		setKeepAlive(netConn)
		go func() {
			if err := s.Handle(netConn); err != nil {
				s.Logger.Printf("failed to handle connection: %v", err)
			}
		}()
	}
}

// Handle runs a downstream connection to completion and tears its state down
// afterwards. Incoming connection records do not outlive the socket.
func (s *Server) Handle(netConn net.Conn) error {
	dc := newDownstreamConn(s, netConn)
	s.registry.AddDownstream(dc)
	s.metrics.downstreams.Add(1)

	err := dc.readMessages()

	dc.Close()
	dc.detach()
	s.registry.RemoveDownstream(dc.state.ConID)
	s.metrics.downstreams.Add(-1)
	if derr := dc.state.Destroy(); derr != nil {
		dc.logger.Printf("failed to destroy connection record: %v", derr)
	}
	return err
}

// Shutdown closes the listeners and every live connection. Upstream records
// stay persisted so a restart can resume them.
func (s *Server) Shutdown() {
	s.lock.Lock()
	select {
	case <-s.shutdown:
		s.lock.Unlock()
		return
	default:
	}
	close(s.shutdown)
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.Logger.Printf("failed to stop listener: %v", err)
		}
	}
	s.lock.Unlock()

	s.registry.mu.Lock()
	downstreams := make([]*downstreamConn, 0, len(s.registry.downstreams))
	for _, dc := range s.registry.downstreams {
		downstreams = append(downstreams, dc)
	}
	upstreams := make([]*upstreamConn, 0, len(s.registry.upstreams))
	for _, uc := range s.registry.upstreams {
		upstreams = append(upstreams, uc)
	}
	s.registry.mu.Unlock()

	for _, dc := range downstreams {
		dc.Close()
	}
	for _, uc := range upstreams {
		if uc.isConnected() {
			uc.Close()
		}
	}
}

// MetricsHandler exposes the server's Prometheus registry over HTTP.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.handler()
}

func setKeepAlive(c net.Conn) error {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(time.Hour)
}
