package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/grainkit/grainkit/virtual/types"
)

const (
	DefaultHTTPRequestTimeout = 15 * time.Second

	maxRequestBodyBytes = 1 << 24
)

type Server struct {
	sync.Mutex

	// Dependencies.
	environment Environment
	log         *slog.Logger

	server *http.Server
}

// NewServer creates a new server for the grain environment.
func NewServer(
	environment Environment,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		environment: environment,
		log:         logger.With(slog.String("module", "server")),
	}
}

// Handler returns the http.Handler that serves every endpoint of the server. It is
// useful for embedding the server in an existing mux or in an httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/invoke-actor", s.invoke)
	mux.HandleFunc("/api/v1/invoke-actor-direct", s.invokeDirect)
	mux.HandleFunc("/api/v1/deactivate-actor-direct", s.deactivateDirect)
	mux.HandleFunc("/api/v1/stats", s.stats)
	mux.HandleFunc("/api/v1/ws", s.wsHandler)
	return mux
}

// Start starts the server. It blocks until the server is stopped.
func (s *Server) Start(port int) error {
	s.Lock()
	s.server = &http.Server{
		Addr:     fmt.Sprintf(":%d", port),
		Handler:  s.Handler(),
		ErrorLog: slog.NewLogLogger(s.log.Handler(), slog.LevelError),
	}
	server := s.server
	s.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts the HTTP server down and then closes the environment, deactivating every
// grain.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down http server")
	s.Lock()
	server := s.server
	s.Unlock()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		s.log.Info("successfully shut down HTTP server")
	}

	s.log.Info("closing environment")
	if err := s.environment.Close(ctx); err != nil {
		return fmt.Errorf("failed to close the environment: %w", err)
	}
	s.log.Info("successfully closed environment")

	return nil
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	var req types.InvokeActorHttpRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cc := getContextFromRequest(r)
	defer cc()

	result, err := s.handleInvoke(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (s *Server) handleInvoke(ctx context.Context, req types.InvokeActorHttpRequest) ([]byte, error) {
	if err := req.Ref.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference: %w", err)
	}

	if len(req.Payload) == 0 && req.PayloadJSON != nil {
		marshaled, err := json.Marshal(req.PayloadJSON)
		if err != nil {
			return nil, fmt.Errorf("error marshaling payload_json: %w", err)
		}
		req.Payload = marshaled
	}

	ctx, err := s.environment.Propagator().Import(ctx, req.RequestContext)
	if err != nil {
		return nil, err
	}

	return s.environment.InvokeActor(ctx, req.Ref, req.Method, req.Payload)
}

func (s *Server) invokeDirect(w http.ResponseWriter, r *http.Request) {
	var req types.InvokeActorDirectHttpRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cc := getContextFromRequest(r)
	defer cc()

	result, err := s.handleInvokeDirect(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (s *Server) handleInvokeDirect(ctx context.Context, req types.InvokeActorDirectHttpRequest) ([]byte, error) {
	if err := req.Ref.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference: %w", err)
	}

	ctx, err := s.environment.Propagator().Import(ctx, req.RequestContext)
	if err != nil {
		return nil, err
	}

	return s.environment.InvokeActorDirect(
		ctx, req.VersionStamp, req.ServerID, req.ServerVersion, req.Ref, req.Method, req.Payload)
}

func (s *Server) deactivateDirect(w http.ResponseWriter, r *http.Request) {
	var req types.DeactivateActorDirectHttpRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cc := getContextFromRequest(r)
	defer cc()

	ctx, err := s.environment.Propagator().Import(ctx, req.RequestContext)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.environment.DeactivateActorDirect(ctx, req.ServerID, req.Ref); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	marshaled, err := json.Marshal(s.environment.Stats())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(marshaled)
}

func readJSONBody(r *http.Request, v any) error {
	jsonBytes, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("error reading request body: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, v); err != nil {
		return badRequestErr{fmt.Errorf("error unmarshaling request body: %w", err)}
	}
	return nil
}

// badRequestErr is only ever written by the server, clients see a plain error.
type badRequestErr struct {
	error
}

func (b badRequestErr) Unwrap() error {
	return b.error
}

func (b badRequestErr) HTTPStatusCode() int {
	return http.StatusBadRequest
}

func writeError(w http.ResponseWriter, err error) {
	if _, ok := isServerMisdirectedError(err); ok {
		w.Header().Set(types.HTTPHeaderMisdirected, "true")
	}
	writeStatusCodeForError(w, err)
	w.Write([]byte(err.Error()))
}

func writeStatusCodeForError(w http.ResponseWriter, err error) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		w.WriteHeader(httpErr.HTTPStatusCode())
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func getContextFromRequest(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := DefaultHTTPRequestTimeout

	if headerValue := r.Header.Get(types.HTTPHeaderTimeout); headerValue != "" {
		headerTimeout, err := time.ParseDuration(headerValue)
		if err == nil {
			timeout = headerTimeout
		}
	}

	return context.WithTimeout(r.Context(), timeout)
}
