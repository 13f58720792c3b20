package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxBodyBytes bounds a request body, batches included.
const maxBodyBytes = 10 << 20

// Invoker admits one call. *snetd.Gateway implements it.
type Invoker interface {
	Invoke(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// Server exposes an Invoker as a JSON-RPC 2.0 endpoint at POST /.
type Server struct {
	invoker    Invoker
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the JSON-RPC server.
func NewServer(invoker Invoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		invoker: invoker,
		logger:  logger.With("component", "http"),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger(s.logger), corsMiddleware())
	s.engine.POST("/", s.handleRPC)
	s.engine.OPTIONS("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, newError(nil, &RPCError{Code: CodeParseError, Message: "failed to read request body"}))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		c.JSON(http.StatusBadRequest, newError(nil, &RPCError{Code: CodeParseError, Message: "parse error"}))
		return
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		s.handleBatch(c, trimmed)
		return
	}

	resp, status := s.call(c.Request.Context(), trimmed)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(status, resp)
}

func (s *Server) handleBatch(c *gin.Context, body []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		c.JSON(http.StatusBadRequest, newError(nil, &RPCError{Code: CodeParseError, Message: "parse error"}))
		return
	}
	if len(batch) == 0 {
		c.JSON(http.StatusBadRequest, newError(nil, &RPCError{Code: CodeInvalidRequest, Message: "invalid request: empty batch"}))
		return
	}

	responses := make([]*Response, 0, len(batch))
	for _, raw := range batch {
		if resp, _ := s.call(c.Request.Context(), raw); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, responses)
}

// call handles one request object. It returns a nil response for
// notifications.
func (s *Server) call(ctx context.Context, raw json.RawMessage) (*Response, int) {
	req, id, rpcErr := ValidateRequest(raw)
	if rpcErr != nil {
		return newError(id, rpcErr), statusForCode(rpcErr.Code)
	}

	result, err := s.invoker.Invoke(ctx, req.Method, req.Params)
	if req.IsNotification() {
		if err != nil {
			s.logger.Debug("notification failed", "method", req.Method, "error", err)
		}
		return nil, http.StatusNoContent
	}
	if err != nil {
		rpcErr, status := ToRPCError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "method", req.Method, "error", err)
		}
		return newError(id, rpcErr), status
	}
	return newResult(id, result), http.StatusOK
}

// ============================================================================
// Middleware
// ============================================================================

// corsMiddleware allows any origin and answers preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "X-Requested-With, Content-Type")
		h.Set("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger tags each request with an id and logs it on completion.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		logger.Debug("handled request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}
