// Package api exposes the core (internal/layer, internal/generate) over
// HTTP, the boundary spec.md §1 explicitly places out of the core's scope:
// session bookkeeping and the wire protocol live here. Requests and
// responses carry token ids; tokenization is not done in this package.
// Grounded on the teacher's internal/api package (echo/v5 handlers, a
// mutex-guarded in-memory store, sentinel-wrapped request errors).
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/generate"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/sample"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

// Server wires a loaded model's Weights and a Driver to HTTP handlers. One
// Server corresponds to one loaded model; distinct models require distinct
// Servers (the core has no notion of multi-model serving, per spec.md §1).
type Server struct {
	cfg     config.Config
	weights *weights.Weights
	driver  *layer.Driver
	store   *SessionStore
	clock   func() time.Time
}

// NewServer builds a Server for an already-loaded model. driver and w must
// agree on cfg; store may be nil, in which case a fresh SessionStore is
// created.
func NewServer(cfg config.Config, w *weights.Weights, driver *layer.Driver, store *SessionStore) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	return &Server{
		cfg:     cfg,
		weights: w,
		driver:  driver,
		store:   store,
		clock:   time.Now,
	}
}

// Register attaches this server's routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.POST("/v1/sessions", s.handleCreateSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/generate", s.handleGenerate)
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"config": s.cfg,
	})
}

// CreateSessionRequest seeds a new session with a beginning-of-text token;
// the tokenizer that produced it lives outside this module, per spec.md §1.
type CreateSessionRequest struct {
	SeedToken int `json:"seed_token"`
}

type CreateSessionResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil && err != io.EOF {
		return writeBadRequest(c, err.Error())
	}

	st, err := state.NewState(s.cfg, req.SeedToken)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id := s.store.Create(st, s.clock())
	return c.JSON(http.StatusOK, CreateSessionResponse{ID: id})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, fmt.Sprintf("session %q not found", id))
	}
	return c.NoContent(http.StatusNoContent)
}

// GenerateRequest drives one call into internal/generate.Run for an
// existing session.
type GenerateRequest struct {
	PromptTokens []int   `json:"prompt_tokens"`
	StopTokens   []int   `json:"stop_tokens,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Echo         bool    `json:"echo,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	TopK         int     `json:"top_k,omitempty"`
	TopP         float32 `json:"top_p,omitempty"`
}

type GenerateResponse struct {
	GeneratedTokens        []int   `json:"generated_tokens"`
	StoppedOnToken         bool    `json:"stopped_on_token"`
	PromptTokensPerSec     float64 `json:"prompt_tokens_per_sec"`
	GenerationTokensPerSec float64 `json:"generation_tokens_per_sec"`
}

func (s *Server) handleGenerate(c *echo.Context) error {
	id := c.Param("id")
	sess, err := s.store.Get(id)
	if err != nil {
		return writeNotFound(c, err.Error())
	}

	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.PromptTokens) == 0 {
		return respondErr(c, newInvalidRequest("prompt_tokens must be non-empty"))
	}

	stopTokens := make(map[int]struct{}, len(req.StopTokens))
	for _, t := range req.StopTokens {
		stopTokens[t] = struct{}{}
	}

	sampler := sample.Greedy
	if req.Temperature > 0 {
		sampler = sample.NewTemperature(sample.TemperatureConfig{
			Temperature: req.Temperature,
			TopK:        req.TopK,
			TopP:        req.TopP,
		})
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	res, err := generate.Run(c.Request().Context(), generate.Options{
		Driver:       s.driver,
		Weights:      s.weights,
		State:        sess.state,
		PromptTokens: req.PromptTokens,
		StopTokens:   stopTokens,
		MaxTokens:    req.MaxTokens,
		Sampler:      sampler,
		Echo:         req.Echo,
	})
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "generation_error", err.Error(), "", "")
	}

	return c.JSON(http.StatusOK, GenerateResponse{
		GeneratedTokens:        res.GeneratedTokens,
		StoppedOnToken:         res.StoppedOnToken,
		PromptTokensPerSec:     res.PromptTokensPerSec,
		GenerationTokensPerSec: res.GenerationTokensPerSec,
	})
}

// respondErr maps an error wrapping ErrInvalidRequest to a 400, and
// everything else to a 500.
func respondErr(c *echo.Context, err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return writeBadRequest(c, err.Error())
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
