package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/weights"
)

func testConfig() config.Config {
	return config.Config{
		Dim:                   8,
		HiddenDim:             16,
		NumberOfLayers:        1,
		NumberOfHeads:         2,
		NumberOfKeyValueHeads: 2,
		VocabularySize:        10,
		ContextLength:         6,
		RmsNormEps:            1e-5,
	}
}

func testMat(t *testing.T, rows, cols int) *weights.Mat {
	t.Helper()
	data := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[r*cols+c] = float32((r+c)%3) - 1
		}
	}
	m, err := weights.NewMatF32(rows, cols, data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testWeights(t *testing.T, cfg config.Config) *weights.Weights {
	t.Helper()
	tokEmb := testMat(t, cfg.VocabularySize, cfg.Dim)
	wcls := testMat(t, cfg.VocabularySize, cfg.Dim)
	rmsFinal := make([]float32, cfg.Dim)
	for i := range rmsFinal {
		rmsFinal[i] = 1
	}

	layers := make([]weights.Layer, cfg.NumberOfLayers)
	for l := range layers {
		rmsAtt := make([]float32, cfg.Dim)
		rmsFfn := make([]float32, cfg.Dim)
		for i := range rmsAtt {
			rmsAtt[i] = 1
			rmsFfn[i] = 1
		}
		layers[l] = weights.Layer{
			RmsAttWeight: rmsAtt,
			Wq:           testMat(t, cfg.Dim, cfg.Dim),
			Wk:           testMat(t, cfg.KvDim(), cfg.Dim),
			Wv:           testMat(t, cfg.KvDim(), cfg.Dim),
			Wo:           testMat(t, cfg.Dim, cfg.Dim),
			RmsFfnWeight: rmsFfn,
			W1:           testMat(t, cfg.HiddenDim, cfg.Dim),
			W3:           testMat(t, cfg.HiddenDim, cfg.Dim),
			W2:           testMat(t, cfg.Dim, cfg.HiddenDim),
		}
	}

	w, err := weights.New(cfg, tokEmb, layers, rmsFinal, wcls)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	cfg := testConfig()
	w := testWeights(t, cfg)
	d, err := layer.NewDriver(cfg, layer.BackendCPU)
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(cfg, w, d, nil)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEcho(t)

	createRec := doJSON(t, e, http.MethodPost, "/v1/sessions", `{"seed_token":1}`)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", createRec.Code, createRec.Body.String())
	}
	var created CreateSessionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a non-empty session id")
	}

	genRec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/generate",
		`{"prompt_tokens":[2,3],"max_tokens":3}`) // 2 prompt steps + 1 generation step
	if genRec.Code != http.StatusOK {
		t.Fatalf("generate status = %d body=%s", genRec.Code, genRec.Body.String())
	}
	var genResp GenerateResponse
	if err := json.Unmarshal(genRec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if len(genResp.GeneratedTokens) != 1 {
		t.Fatalf("expected 1 generated token, got %v", genResp.GeneratedTokens)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/sessions/"+created.ID, "")
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRec.Code)
	}

	missingRec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/generate",
		`{"prompt_tokens":[2]}`)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("generate after delete status = %d, want 404", missingRec.Code)
	}
}

func TestGenerateRejectsEmptyPromptTokens(t *testing.T) {
	e := newTestEcho(t)
	createRec := doJSON(t, e, http.MethodPost, "/v1/sessions", `{"seed_token":1}`)
	var created CreateSessionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/generate", `{"prompt_tokens":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}
