// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"genstream/common/usage"
	"genstream/orchestrator/llm"
	"genstream/orchestrator/lock"
	"genstream/shared/config"
	"genstream/shared/logger"
)

// Version is reported by the health endpoint.
var Version = "dev"

// maxRequestBody bounds a generate request body.
const maxRequestBody = 4 << 20

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// Identity headers. Authentication happens upstream of the gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderGuestID   = "X-Guest-ID"
	HeaderRequestID = "X-Request-ID"
)

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	Orchestrator *Orchestrator

	// Gatherer backs /prometheus. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	// Usage records API calls. May be nil.
	Usage *usage.Recorder

	Logger      *logger.Logger
	CORSOrigins []string
}

type server struct {
	orch  *Orchestrator
	usage *usage.Recorder
	log   *logger.Logger
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(opts ServerOptions) http.Handler {
	s := &server{orch: opts.Orchestrator, usage: opts.Usage, log: opts.Logger}
	if s.log == nil {
		s.log = logger.Nop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := mux.NewRouter()
	r.Use(s.requestMiddleware)

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/api/v1/adapters", s.adaptersHandler).Methods("GET")
	r.HandleFunc("/api/v1/generate", s.generateHandler).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Run starts the gateway and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("system", "", "Starting genstream gateway", map[string]interface{}{
		"port":         cfg.Server.Port,
		"lock_backend": cfg.Lock.Backend,
		"version":      Version,
	})

	for _, w := range cfg.Warnings() {
		log.Warn("system", "", "Configuration warning", map[string]interface{}{"warning": w})
	}

	if err := cfg.ResolveSecrets(ctx, config.NewResolver(cfg.Secrets, log.With("secrets"))); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}

	defaults, err := DefaultSettings(cfg.Adapters)
	if err != nil {
		return err
	}

	registry := NewDefaultRegistry(BootstrapOptions{
		Adapter: llm.AdapterOptions{
			Logger: log.With("llm"),
			Timeouts: llm.Timeouts{
				Dial:           cfg.DialTimeout(),
				ResponseHeader: cfg.ResponseHeaderTimeout(),
				Request:        cfg.RequestTimeout(),
			},
		},
		NovelBaseURL: cfg.Adapters[llm.AdapterNovel].URL,
	})
	if svc := cfg.Server.DefaultService; svc != "" && !registry.Has(svc) {
		return fmt.Errorf("server.default_service: %w", &llm.NotFoundError{ID: svc})
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	recorder := usage.NewRecorder(nil, log.With("usage"))
	if cfg.Usage.DatabaseURL != "" {
		recorder, err = usage.Open(ctx, cfg.Usage.DatabaseURL, log.With("usage"))
		if err != nil {
			return err
		}
		defer func() { _ = recorder.Close() }()
		if err := recorder.Migrate(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := New(Options{
		Registry:       registry,
		Locker:         locker,
		LockTimeout:    cfg.LockTimeout(),
		Defaults:       defaults,
		DefaultService: cfg.Server.DefaultService,
		Metrics:        NewMetrics(reg),
		Usage:          recorder,
		Logger:         log.With("orchestrator"),
	})

	srv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: NewRouter(ServerOptions{
			Orchestrator: orch,
			Gatherer:     reg,
			Usage:        recorder,
			Logger:       log.With("http"),
			CORSOrigins:  cfg.Server.CORSOrigins,
		}),
		// No write timeout: generations stream for as long as the
		// upstream request timeout allows.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("system", "", "Gateway listening", map[string]interface{}{
			"addr":     srv.Addr,
			"adapters": registry.Count(),
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("system", "", "Shutting down gateway", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	if cfg.Backend != config.LockBackendRedis {
		return lock.NewMemoryLocker(), func() {}, nil
	}
	l, err := lock.DialRedis(ctx, cfg.RedisURL, cfg.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

// statusWriter captures the response status. It forwards Flush so that
// streamed responses still reach the client.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, requestID)

		sw := &statusWriter{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		identity := identityFrom(r)
		elapsed := time.Since(start)

		s.log.InfoWithDuration(identity, requestID, "HTTP request", float64(elapsed.Milliseconds()), map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
		})

		if s.usage.Enabled() {
			recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			_ = s.usage.RecordAPICall(recCtx, usage.APICallEvent{
				RequestID:      requestID,
				Identity:       identity,
				HTTPMethod:     r.Method,
				HTTPPath:       r.URL.Path,
				HTTPStatusCode: sw.status,
				Latency:        elapsed,
			})
		}
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func identityFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderUserID); id != "" {
		return id
	}
	if id := r.Header.Get(HeaderGuestID); id != "" {
		return "guest:" + id
	}
	return ""
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "genstream-gateway",
		"version":   Version,
		"timestamp": time.Now().UTC(),
		"adapters":  s.orch.Registry().Count(),
	})
}

func (s *server) adaptersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"adapters":        s.orch.Registry().List(),
		"default_service": s.orch.DefaultService(),
	})
}

// generateBody is the JSON body of POST /api/v1/generate.
type generateBody struct {
	Service  string           `json:"service"`
	Settings json.RawMessage  `json:"settings"`
	Prompt   string           `json:"prompt"`
	Sampling llm.Sampling     `json:"sampling"`
	Stream   bool             `json:"stream"`
	Reply    llm.ReplyContext `json:"reply"`
}

func (s *server) generateHandler(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		sendErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := &llm.GenerationRequest{
		RequestID: requestIDFrom(r.Context()),
		UserID:    r.Header.Get(HeaderUserID),
		GuestID:   r.Header.Get(HeaderGuestID),
		Service:   body.Service,
		Prompt:    body.Prompt,
		Sampling:  body.Sampling,
		Stream:    body.Stream,
		Reply:     body.Reply,
	}
	if req.Identity() == "" {
		sendErrorResponse(w, "missing "+HeaderUserID+" or "+HeaderGuestID+" header", http.StatusBadRequest)
		return
	}

	if len(body.Settings) > 0 && string(body.Settings) != "null" {
		service := body.Service
		if service == "" {
			service = s.orch.DefaultService()
		}
		settings, err := llm.DecodeSettings(service, body.Settings)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Settings = settings
	}

	if !req.Stream {
		res, err := s.orch.Generate(r.Context(), req)
		if err != nil {
			s.sendGenerateError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	stream := newSSEStream(w)
	res, err := s.orch.GenerateStream(r.Context(), req, stream.forward)
	switch {
	case err != nil && !stream.started:
		s.sendGenerateError(w, req, err)
	case err != nil:
		_ = stream.send(sseMessage{Type: "error", Error: err.Error()})
	default:
		_ = stream.send(sseMessage{Type: llm.EventFinal.String(), Text: res.Text, Meta: res.Meta})
	}
}

func (s *server) sendGenerateError(w http.ResponseWriter, req *llm.GenerationRequest, err error) {
	status := errorStatus(err)
	if status >= 500 {
		s.log.ErrorWithCode(req.Identity(), req.RequestID, "Generation request failed", status, err, nil)
	}
	if errors.Is(err, ErrBusy) {
		writeJSON(w, status, map[string]interface{}{"error": err.Error(), "busy": true})
		return
	}
	sendErrorResponse(w, err.Error(), status)
}

// errorStatus maps generation errors to HTTP status codes.
func errorStatus(err error) int {
	var adapterErr *AdapterError
	switch {
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case llm.IsConfigError(err):
		return http.StatusBadRequest
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sseMessage is one server-sent event on a streaming generate response.
type sseMessage struct {
	Type  string            `json:"type"`
	Text  string            `json:"text,omitempty"`
	Meta  *llm.ResponseMeta `json:"meta,omitempty"`
	Error string            `json:"error,omitempty"`
}

// sseStream writes events to the client. Headers are sent with the first
// event so that errors before it can still use a JSON status response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	f, _ := w.(http.Flusher)
	return &sseStream{w: w, flusher: f}
}

func (s *sseStream) forward(ev llm.Event) error {
	return s.send(sseMessage{Type: ev.Kind.String(), Text: ev.Text})
}

func (s *sseStream) send(msg sseMessage) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Utility functions
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
