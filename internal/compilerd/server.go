package compilerd

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/lumen-gpu/lumen/internal/codegen"
	"github.com/lumen-gpu/lumen/internal/errors"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/kernelcache"
	"github.com/lumen-gpu/lumen/internal/target"
)

const maxRequestBytes = 4 << 20

// Server compiles posted methods and serves cached kernels.
type Server struct {
	tgt   *target.Target
	cache *kernelcache.Store
	tc    *ir.TypeContext

	srv   *http3.Server
	pc    net.PacketConn
	close func() error
}

// NewServer wires the compile service over the given cache. A nil target
// selects the host target.
func NewServer(tgt *target.Target, cache *kernelcache.Store) *Server {
	if tgt == nil {
		tgt = target.Host()
	}
	return &Server{tgt: tgt, cache: cache, tc: ir.NewTypeContext()}
}

// Mux returns the HTTP routing table. Exposed so tests can drive the
// handlers without a QUIC listener.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "target": s.tgt.String()})
	})
	mux.HandleFunc("/v1/compile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCompile(w, r)
	})
	mux.HandleFunc("/v1/kernels/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleFetch(w, r)
	})
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.cache.Stats())
	})
	return mux
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CompileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.compile(r, &req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, resp)
}

func (s *Server) compile(r *http.Request, req *CompileRequest) (*CompileResponse, error) {
	format, err := codegen.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	if req.Require != "" {
		if err := s.tgt.Require(req.Require); err != nil {
			return nil, err
		}
	}
	m, err := req.Method.Decode(s.tc)
	if err != nil {
		return nil, err
	}

	key := kernelcache.Fingerprint(m.String(), format.String(), s.tgt.String())
	if e, ok, err := s.cache.Get(key); err == nil && ok {
		return &CompileResponse{
			Method: e.Method, Format: e.Format, BuildID: e.BuildID,
			Key: string(key), Cached: true, Code: e.Code, Trace: e.Trace,
		}, nil
	} else if err != nil {
		log.Printf("compilerd: cache read for %s: %v", m.Name, err)
	}

	p := codegen.New(codegen.Options{Target: s.tgt, Format: format})
	a, err := p.CompileMethod(r.Context(), m)
	if err != nil {
		return nil, err
	}
	entry := &kernelcache.Entry{
		Method: a.Method,
		Format: format.String(),
		Target: s.tgt.String(),
		Code:   a.Code,
		Trace:  a.Trace,
	}
	if err := s.cache.Put(key, entry); err != nil {
		log.Printf("compilerd: cache write for %s: %v", m.Name, err)
	}
	return &CompileResponse{
		Method: a.Method, Format: format.String(), BuildID: entry.BuildID,
		Key: string(key), Code: a.Code, Trace: a.Trace,
	}, nil
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kernels/")
	if key == "" {
		http.Error(w, "missing kernel key", http.StatusBadRequest)
		return
	}
	e, ok, err := s.cache.Get(kernelcache.Key(key))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unknown kernel", http.StatusNotFound)
		return
	}
	writeJSON(w, &CompileResponse{
		Method: e.Method, Format: e.Format, BuildID: e.BuildID,
		Key: key, Cached: true, Code: e.Code, Trace: e.Trace,
	})
}

// Start serves HTTP/3 on addr. With ":0" an ephemeral UDP port is bound;
// the returned address is the real one.
func (s *Server) Start(addr string, tlsCfg *tls.Config) (string, error) {
	s.srv = &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: s.Mux()}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", err
	}
	s.pc = pc
	real := pc.LocalAddr().String()
	done := make(chan struct{})
	go func() {
		_ = s.srv.Serve(pc)
		close(done)
	}()
	s.close = func() error {
		_ = pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	return real, nil
}

// Stop closes the listener and waits briefly for the serve loop.
func (s *Server) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Client returns an HTTP/3 client for talking to a Server.
func Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsUnsupported(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("compilerd: encode response: %v", err)
	}
}
