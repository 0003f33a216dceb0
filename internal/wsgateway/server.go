package wsgateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

const defaultMaxConns = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP/WS listener for spec.md §6.3's ws://<host>/ws
// endpoint. Connection acceptance is bounded by a semaphore in the
// shape of the teacher's WorkerPool (internal/worker.go), generalized
// from a fixed-size task channel to a simple admit/release counter
// since each accepted connection here runs for its own lifetime rather
// than draining a shared task queue.
type Server struct {
	address  string
	hub      *Hub
	log      zerolog.Logger
	maxConns int
	admit    chan struct{}

	mux     *http.ServeMux
	httpSrv *http.Server
}

func NewServer(address string, hub *Hub, maxConns int, log zerolog.Logger) *Server {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	s := &Server{
		address:  address,
		hub:      hub,
		log:      log.With().Str("component", "ws-server").Logger(),
		maxConns: maxConns,
		admit:    make(chan struct{}, maxConns),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.mux = mux
	s.httpSrv = &http.Server{Addr: address, Handler: mux}
	return s
}

// ServeHTTP lets a Server stand in for http.Handler directly, which is
// how the test suite exercises it via httptest.NewServer without
// binding a real TCP port.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case s.admit <- struct{}{}:
	default:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-s.admit
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(s.hub, conn)
	go func() {
		defer func() { <-s.admit }()
		client.serve()
	}()
}

// Run starts the HTTP server and blocks until ctx is cancelled,
// matching the teacher's tomb-supervised goroutine idiom
// (internal/net/server.go's Run).
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	t.Go(func() error {
		s.log.Info().Str("address", s.address).Msg("ws gateway listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	t.Go(func() error {
		<-ctx.Done()
		return s.httpSrv.Close()
	})

	<-t.Dying()
	return t.Err()
}
