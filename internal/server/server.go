/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package server implements the Log/Exec HTTPS server (spec §4.9): callers
// authenticate via mTLS, hit /containerLogs for a chunked log stream or
// /exec for an interactive session, and the server delegates every
// authorization decision to the cluster's RBAC through a
// SubjectAccessReview rather than maintaining its own ACL.
//
// Grounded on the teacher's `github.com/conduitio/bwlimit`-wrapped listener
// in runtime/cmd/rsync/rsync.go (rate-limiting a streaming server) and its
// `github.com/google/shlex` argv splitting in runtime/cmd/user/user.go's
// interactive shell launcher.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// LogSource is the minimal provider surface /containerLogs needs.
type LogSource interface {
	Logs(ctx context.Context, ns, pod, container string, sink io.Writer) error
}

// ExecSource is the minimal provider surface /exec needs; a provider that
// doesn't implement it causes /exec to answer 501 (spec §4.9).
type ExecSource interface {
	Exec(ctx context.Context, ns, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error
}

// Authorizer delegates an authorization decision to the cluster, grounded
// on internal/apiclient.Client.CanAccess's SubjectAccessReview call.
type Authorizer interface {
	CanAccess(ctx context.Context, user string, groups []string, ns, verb, subresource string) (bool, error)
}

// Config configures a Server.
type Config struct {
	Addr       string
	TLSConfig  *tls.Config // nil disables TLS and client-cert identity (tests only)
	Logs       LogSource
	Exec       ExecSource // nil: /exec always answers 501
	Authorizer Authorizer // nil: authorization is skipped (tests only)

	// WriteLimitBytesPerSec caps aggregate bytes/sec this server writes to
	// clients (log streaming and exec output); 0 disables the cap.
	WriteLimitBytesPerSec int64
}

// Server is the Log/Exec HTTP(S) server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New builds a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /containerLogs/{namespace}/{pod}/{container}", s.handleLogs)
	s.mux.HandleFunc("GET /exec/{namespace}/{pod}/{container}", s.handleExec)
}

// ServeHTTP lets Server be used directly with httptest or a caller-owned
// http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// identityFromRequest extracts the caller's identity from the client
// certificate presented during the mTLS handshake; TLSConfig is expected to
// require and verify client certs (tls.RequireAndVerifyClientCert).
func identityFromRequest(r *http.Request) (user string, groups []string) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", nil
	}
	cert := r.TLS.PeerCertificates[0]
	return cert.Subject.CommonName, cert.Subject.Organization
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, ns, subresource string) bool {
	if s.cfg.Authorizer == nil {
		return true
	}
	user, groups := identityFromRequest(r)
	ok, err := s.cfg.Authorizer.CanAccess(r.Context(), user, groups, ns, "get", subresource)
	if err != nil {
		http.Error(w, fmt.Sprintf("authorization check failed: %v", err), http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// flushingWriter flushes after every write so a chunked log stream reaches
// the client incrementally rather than buffering until the handler returns.
type flushingWriter struct {
	ctx       context.Context
	w         http.ResponseWriter
	flusher   http.Flusher
	wrote     int64
	pod       string
	container string
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.wrote += int64(n)
	metrics.Get().RecordCounter(f.ctx, "nodelet.server.log_bytes_written", int64(n), "By", "bytes streamed to a containerLogs client", map[string]string{"pod": f.pod, "container": f.container})
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	pod := r.PathValue("pod")
	container := r.PathValue("container")

	if !s.authorize(w, r, ns, "log") {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	sink := &flushingWriter{ctx: r.Context(), w: w, flusher: flusher, pod: ns + "/" + pod, container: container}

	if err := s.cfg.Logs.Logs(r.Context(), ns, pod, container, sink); err != nil {
		slog.Warn("containerLogs failed", slog.String("pod", ns+"/"+pod), slog.String("container", container), slog.String("error", err.Error()))
		if sink.wrote == 0 {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	}
}

// websocketWriter adapts a *websocket.Conn to io.Writer, used as both
// stdout and stderr for an exec session (spec §4.9 multiplexes both onto
// one client-visible stream, unlike a real TTY's separate fds).
type websocketWriter struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	messageType int
}

func (w *websocketWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(w.messageType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func pumpStdin(conn *websocket.Conn, w *io.PipeWriter) {
	defer w.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	pod := r.PathValue("pod")
	container := r.PathValue("container")

	if !s.authorize(w, r, ns, "exec") {
		return
	}

	if s.cfg.Exec == nil {
		http.Error(w, "provider does not support exec", http.StatusNotImplemented)
		return
	}

	argv, err := shlex.Split(r.URL.Query().Get("command"))
	if err != nil || len(argv) == 0 {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("exec websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	stdinR, stdinW := io.Pipe()
	go pumpStdin(conn, stdinW)
	defer stdinR.Close()

	stdout := &websocketWriter{conn: conn, messageType: websocket.TextMessage}
	if err := s.cfg.Exec.Exec(r.Context(), ns, pod, container, argv, stdinR, stdout, stdout); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("exec error: "+err.Error()))
	}
}

// Serve starts the HTTP(S) listener and blocks until ctx is cancelled or
// the server stops with a fatal error. When WriteLimitBytesPerSec is set,
// the listener is wrapped with bwlimit.NewListener so one chatty log or
// exec stream can't starve the server's other connections.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.WriteLimitBytesPerSec > 0 {
		ln = bwlimit.NewListener(ln, bwlimit.Byte(s.cfg.WriteLimitBytesPerSec), bwlimit.Byte(0))
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}

	httpServer := &http.Server{Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
