package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves a fileaccess.FileAccess store on /ws. Every client must
// present the PIN as a query parameter.
type Server struct {
	pin   string
	store fileaccess.FileAccess
	log   util.Logger

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	clients  int
}

// NewServer returns a relay serving store. A nil store means a fresh
// in-memory one.
func NewServer(pin string, store fileaccess.FileAccess) *Server {
	if store == nil {
		store = fileaccess.NewMemory()
	}
	return &Server{pin: pin, store: store, log: util.NewLogger("relay")}
}

// Handler returns the HTTP handler, for mounting into another server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a free port) and returns the
// bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler()}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve: %v", err)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Shutdown stops accepting clients and waits for active handlers up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	name := r.URL.Query().Get("client")
	if name == "" {
		name = conn.RemoteAddr().String()
	}

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	s.log.Info("client %s connected from %s", name, conn.RemoteAddr())
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		s.log.Info("client %s disconnected", name)
	}()

	ctx := r.Context()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read from %s: %v", name, err)
			}
			return
		}
		if err := conn.WriteJSON(s.apply(ctx, req)); err != nil {
			s.log.Debug("write to %s: %v", name, err)
			return
		}
	}
}

// apply runs one request against the store.
func (s *Server) apply(ctx context.Context, req request) response {
	resp := response{ID: req.ID}
	var err error

	switch req.Op {
	case OpExists:
		resp.Exists, err = s.store.Exists(ctx, req.Name)
	case OpDelete:
		err = s.store.Delete(ctx, req.Name)
	case OpMove:
		err = s.store.Move(ctx, req.Name, req.To)
	case OpRead:
		resp.Data, err = s.store.ReadAllBytes(ctx, req.Name)
	case OpWrite:
		err = s.store.WriteAllBytes(ctx, req.Name, req.Data)
	case OpSize:
		resp.Size, err = s.store.GetFileSize(ctx, req.Name)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		resp.Error = err.Error()
		resp.NotExist = fileaccess.IsNotExist(err)
	}
	s.log.Debug("%s %s (%d bytes in, %d out): %v", req.Op, req.Name, len(req.Data), len(resp.Data), err)
	return resp
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
