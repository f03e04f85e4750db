// Package ingress is the client-facing HTTP surface: POST /v1/messages and
// GET /health, wired to a single Orchestrator.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claude-fleet/proxy/pkg/audit"
	"github.com/claude-fleet/proxy/pkg/fleeterr"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/orchestrator"
	"github.com/claude-fleet/proxy/pkg/pipeline"
	"github.com/claude-fleet/proxy/pkg/proxypool"
	"github.com/claude-fleet/proxy/pkg/session"
)

// Server is the claude-fleet-proxy client API.
type Server struct {
	orch  *orchestrator.Orchestrator
	pool  *proxypool.Pool
	audit *audit.Logger
	mux   *http.ServeMux

	// RequestTimeout bounds a single /v1/messages call end to end.
	RequestTimeout time.Duration
}

// New creates a Server wired to orch. pool is kept on the Server; no route
// registered here serves its status. auditLog may be nil, in which case no
// request/response bodies are persisted.
func New(orch *orchestrator.Orchestrator, pool *proxypool.Pool, auditLog *audit.Logger) *Server {
	s := &Server{orch: orch, pool: pool, audit: auditLog, mux: http.NewServeMux(), RequestTimeout: 5 * time.Minute}
	s.mux.HandleFunc("/v1/messages", s.handleMessages)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown on ctx
// cancellation.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("claude-fleet-proxy listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "validation_error", "method not allowed")
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	start := time.Now()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "unreadable request body")
		return
	}

	var req models.MessagesRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "model and messages are required")
		return
	}

	clientKey := extractClientKey(r)

	ctx := r.Context()
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	stream, pctx, err := s.orch.Run(ctx, &req, clientKey)
	if err != nil {
		s.logAudit(requestID, clientKey, &req, nil, rawBody, nil, 0, 0, 0, start, err)
		writeUpstreamError(w, err)
		return
	}
	defer stream.Close()

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		msg, err := pipeline.StreamingEmitter(w, stream)
		if err != nil {
			log.Printf("ingress: streaming emitter: %v", err)
		}
		s.logAudit(requestID, clientKey, &req, pctx, rawBody, nil, http.StatusOK, msg.Usage.InputTokens, msg.Usage.OutputTokens, start, nil)
		return
	}

	resp, err := pipeline.NonStreamingEmitter(stream)
	if err != nil {
		s.logAudit(requestID, clientKey, &req, pctx, rawBody, nil, 0, 0, 0, start, err)
		writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	respBody, _ := json.Marshal(resp)
	w.Write(respBody)
	s.logAudit(requestID, clientKey, &req, pctx, rawBody, respBody, http.StatusOK, resp.Usage.InputTokens, resp.Usage.OutputTokens, start, nil)
}

// logAudit persists one audit record in the background so the request path
// is never slowed down by the audit database. No-op when s.audit is nil.
func (s *Server) logAudit(requestID, clientKey string, req *models.MessagesRequest, pctx *models.PipelineContext, reqBody, respBody []byte, status, inTok, outTok int, start time.Time, resultErr error) {
	if s.audit == nil {
		return
	}

	entry := models.AuditEntry{
		RequestID:    requestID,
		Model:        req.Model,
		SessionKey:   clientKey,
		RequestBody:  string(reqBody),
		ResponseBody: string(respBody),
		StatusCode:   status,
		InputTokens:  inTok,
		OutputTokens: outTok,
		TotalTokens:  inTok + outTok,
		LatencyMs:    time.Since(start).Milliseconds(),
		CreatedAt:    start,
	}
	if pctx != nil {
		entry.AccountID = pctx.AccountID
		entry.Driver = string(pctx.Driver)
	}
	if resultErr != nil {
		if fe, ok := fleeterr.As(resultErr); ok {
			entry.StatusCode = errStatus[fe.Kind]
			entry.ResponseBody = fe.Error()
		} else {
			entry.StatusCode = http.StatusInternalServerError
			entry.ResponseBody = resultErr.Error()
		}
	}

	go func() {
		if err := s.audit.Log(context.Background(), entry); err != nil {
			log.Printf("ingress: audit log: %v", err)
		}
	}()
}

// extractClientKey derives the caller identity used for web-path session
// stickiness, from the same headers Anthropic's own API accepts.
func extractClientKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return session.NewClientKey()
}

// errStatus maps a fleeterr.Kind to the HTTP status reported to the client.
var errStatus = map[fleeterr.Kind]int{
	fleeterr.KindUpstreamOverloaded:    http.StatusServiceUnavailable,
	fleeterr.KindRateLimited:           http.StatusServiceUnavailable,
	fleeterr.KindInvalidCredentials:    http.StatusServiceUnavailable,
	fleeterr.KindProxyTransport:        http.StatusServiceUnavailable,
	fleeterr.KindAllProxiesUnavailable: http.StatusServiceUnavailable,
	fleeterr.KindNoAccountsAvailable:   http.StatusServiceUnavailable,
	fleeterr.KindUpstreamProtocol:      http.StatusBadGateway,
	fleeterr.KindClientDisconnected:    0,
	fleeterr.KindValidation:            http.StatusBadRequest,
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	fe, ok := fleeterr.As(err)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := errStatus[fe.Kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSONError(w, status, string(fe.Kind), fe.Error())
}

func writeJSONError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, kind, message)
}
