// Package debughttp serves pprof and a JSON status page for a running
// agent. It is off unless DEALMESH_PPROF=1.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"
)

const (
	defaultAddr = "127.0.0.1:6060"
	StatusPath  = "/debug/dealmesh/status"
)

// StatusFunc returns a JSON-encodable view of the process.
type StatusFunc func() any

type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartFromEnv starts a server when DEALMESH_PPROF=1 and returns nil, nil
// otherwise.
func StartFromEnv(logw io.Writer, status StatusFunc) (*Server, error) {
	if strings.TrimSpace(os.Getenv("DEALMESH_PPROF")) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv("DEALMESH_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(os.Getenv("DEALMESH_PPROF_ALLOW_PUBLIC")) == "1"
	return Start(addr, allowPublic, status, logw)
}

func Start(addr string, allowPublic bool, status StatusFunc, logw io.Writer) (*Server, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("DEALMESH_PPROF_ADDR must be loopback unless DEALMESH_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug http listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc(StatusPath, statusHandler(status))

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}
	if logw != nil {
		fmt.Fprintf(logw, "debug http enabled: http://%s/debug/pprof/ status=http://%s%s\n", s.Addr(), s.Addr(), StatusPath)
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func statusHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			http.Error(w, "no status", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status())
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
