package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/audit"
	"github.com/Lexiie/KangKlip/internal/auth"
	"github.com/Lexiie/KangKlip/internal/dispatcher"
	"github.com/Lexiie/KangKlip/internal/domain"
	"github.com/Lexiie/KangKlip/internal/fabric"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
)

const testCallbackToken = "cb-secret"

type testHarness struct {
	engine *gin.Engine
	store  *store.Store
}

// fakeFabricServer stands in for the GPU execution fabric's HTTP API.
func fakeFabricServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/deployments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-123", "state": "QUEUED"})
	})
	mux.HandleFunc("/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/start") {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"state": "RUNNING"})
	})
	mux.HandleFunc("/markets/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"cached": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kv := store.New(rdb)

	log := logger.Must(logger.Config{Level: "error"})
	fabricSrv := fakeFabricServer(t)
	fabricClient := fabric.New(fabric.Config{APIBase: fabricSrv.URL, APIKey: "k", WorkerImage: "img", Market: "m"})

	d := dispatcher.New(kv, fabricClient, nil, log,
		dispatcher.CallbackConfig{BaseURL: "http://localhost", Token: testCallbackToken},
		dispatcher.StorageConfig{}, dispatcher.LLMConfig{})
	t.Cleanup(func() { d.Shutdown(context.Background()) })

	authService := auth.New(kv, log)

	router := New(kv, d, authService, nil, nil, nil, audit.NewRepository(nil), log, testCallbackToken)
	engine := gin.New()
	router.Routes(engine)

	return &testHarness{engine: engine, store: kv}
}

func (h *testHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestHarness(t)

	cases := []map[string]any{
		{},
		{"video_url": "https://x", "clip_duration_seconds": 10, "clip_count": 2, "language": "en"},
		{"video_url": "https://x", "clip_duration_seconds": 45, "clip_count": 9, "language": "en"},
		{"video_url": "https://x", "clip_duration_seconds": 45, "clip_count": 2, "language": "fr"},
	}
	for _, body := range cases {
		rec := h.do(t, http.MethodPost, "/api/jobs", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"video_url": "https://example.test/v", "clip_duration_seconds": 45,
		"clip_count": 2, "language": "auto",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var created struct {
		JobID    string `json:"job_id"`
		JobToken string `json:"job_token"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Regexp(t, `^kk_[0-9A-HJKMNP-TV-Z]{26}$`, created.JobID)
	require.Len(t, created.JobToken, 64)
	require.Equal(t, "QUEUED", created.Status)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+created.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Worker reports failure; the record must land terminal with stage DONE
	// and progress 100 (scenario of a failed ASR run).
	rec = h.do(t, http.MethodPost, "/api/callback/nosana", map[string]any{
		"job_id": created.JobID, "status": "FAILED", "error": "asr_timeout",
	}, map[string]string{"x-callback-token": testCallbackToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+created.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Status   string `json:"status"`
		Stage    string `json:"stage"`
		Progress int    `json:"progress"`
		Error    string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "FAILED", got.Status)
	require.Equal(t, "DONE", got.Stage)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, "asr_timeout", got.Error)
}

func TestGetJobRejectsMalformedID(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/api/jobs/not-a-job-id", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobUnknownReturns404(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/api/jobs/kk_01ARZ3NDEKTSV4RRFFQ69G5FAV", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackRejectsBadToken(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/callback/nosana", map[string]any{
		"job_id": "kk_x", "status": "RUNNING",
	}, map[string]string{"x-callback-token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackRejectsStatusRegression(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job := &domain.JobRecord{JobID: "kk_01ARZ3NDEKTSV4RRFFQ69G5FAV", Status: domain.JobSucceeded}
	require.NoError(t, h.store.CreateJob(ctx, job))

	rec := h.do(t, http.MethodPost, "/api/callback/nosana", map[string]any{
		"job_id": job.JobID, "status": "RUNNING",
	}, map[string]string{"x-callback-token": testCallbackToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobTokenGate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job := &domain.JobRecord{JobID: "kk_01ARZ3NDEKTSV4RRFFQ69G5FAV", JobToken: "secret", Status: domain.JobQueued}
	require.NoError(t, h.store.CreateJob(ctx, job))

	rec := h.do(t, http.MethodGet, "/api/jobs/"+job.JobID+"/results", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+job.JobID+"/results", nil, map[string]string{"x-job-token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/kk_00000000000000000000000000/results", nil, map[string]string{"x-job-token": "secret"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnlockRequiresAuthToken(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job := &domain.JobRecord{JobID: "kk_01ARZ3NDEKTSV4RRFFQ69G5FAV", JobToken: "secret", Status: domain.JobSucceeded}
	require.NoError(t, h.store.CreateJob(ctx, job))

	rec := h.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/clips/c.mp4/unlock",
		map[string]any{"unlock_request_id": "r1"},
		map[string]string{"x-job-token": "secret"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestAuthChallengeVerifyFlow runs the wallet-signature authentication
// round-trip over HTTP and confirms the nonce is single-use.
func TestAuthChallengeVerifyFlow(t *testing.T) {
	h := newTestHarness(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wallet := base58.Encode(pub)

	rec := h.do(t, http.MethodPost, "/api/auth/challenge", map[string]any{"wallet_address": wallet}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var challenge struct {
		Challenge string `json:"challenge"`
		Nonce     string `json:"nonce"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	require.Equal(t, 300, challenge.ExpiresIn)

	sig := base58.Encode(ed25519.Sign(priv, []byte(challenge.Challenge)))
	verifyBody := map[string]any{"wallet_address": wallet, "nonce": challenge.Nonce, "signature": sig}

	rec = h.do(t, http.MethodPost, "/api/auth/verify", verifyBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var verified struct {
		AuthToken string `json:"auth_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	require.Len(t, verified.AuthToken, 64)
	require.Equal(t, 86400, verified.ExpiresIn)

	// Nonce replay must be rejected.
	rec = h.do(t, http.MethodPost, "/api/auth/verify", verifyBody, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthVerifyRejectsForeignSignature(t *testing.T) {
	h := newTestHarness(t)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	wallet := base58.Encode(pub)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/auth/challenge", map[string]any{"wallet_address": wallet}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var challenge struct {
		Challenge string `json:"challenge"`
		Nonce     string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	sig := base58.Encode(ed25519.Sign(otherPriv, []byte(challenge.Challenge)))
	rec = h.do(t, http.MethodPost, "/api/auth/verify", map[string]any{
		"wallet_address": wallet, "nonce": challenge.Nonce, "signature": sig,
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
