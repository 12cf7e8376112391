package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/pieter-berkel/storageflow/route"
	. "github.com/pieter-berkel/storageflow/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults apply without a file", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, "/api/v1/storage", cfg.BasePath)
		assert.Equal(t, "disk", cfg.Provider)
		assert.Equal(t, 10*time.Minute, cfg.PresignTTL)
		assert.Zero(t, cfg.Sweep.Interval)
	})

	t.Run("A YAML file is read and environment variables override it", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "storageflow.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
provider: s3
presign_ttl: 5m
s3:
  bucket: from-file
  region: eu-west-1
sweep:
  interval: 1h
`), 0o644))
		t.Setenv("STORAGEFLOW_S3_BUCKET", "from-env")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "s3", cfg.Provider)
		assert.Equal(t, "from-env", cfg.S3.Bucket)
		assert.Equal(t, "eu-west-1", cfg.S3.Region)
		assert.Equal(t, 5*time.Minute, cfg.PresignTTL)
		assert.Equal(t, time.Hour, cfg.Sweep.Interval)
		assert.Equal(t, 24*time.Hour, cfg.Sweep.TTL)
	})

	t.Run("A missing file is an error", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("A relative base path is rejected", func(t *testing.T) {
		t.Setenv("STORAGEFLOW_BASE_PATH", "api")
		_, err := LoadConfig("")
		assert.Error(t, err)
	})
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("Missing provider settings are MISSING_ENV errors", func(t *testing.T) {
		_, err := NewBackend(ctx, Config{Provider: "s3"})
		assert.ErrorIs(t, err, protocol.ErrMissingEnv)

		_, err = NewBackend(ctx, Config{Provider: "gcs"})
		assert.ErrorIs(t, err, protocol.ErrMissingEnv)

		_, err = NewBackend(ctx, Config{})
		assert.ErrorIs(t, err, protocol.ErrMissingEnv)
	})

	t.Run("The disk provider serves its own files", func(t *testing.T) {
		b, err := NewBackend(ctx, Config{Provider: "disk", Disk: DiskConfig{Dir: t.TempDir(), PublicURL: "http://localhost/files"}})
		require.NoError(t, err)
		assert.NotNil(t, b.Store)
		assert.NotNil(t, b.Files)
		assert.NoError(t, b.Close())
	})

	t.Run("Unknown providers are rejected", func(t *testing.T) {
		_, err := NewBackend(ctx, Config{Provider: "ftp"})
		assert.Error(t, err)
	})
}

// newTestServer starts the full handler on a disk backend.
func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	var handler atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg.Provider = "disk"
	cfg.BasePath = "/api/v1/storage"
	cfg.Disk = DiskConfig{Dir: t.TempDir(), PublicURL: ts.URL + DiskFilesPath, Secret: "secret"}

	routes := route.MustRegistry(route.New("docs").AllowedMimeTypes("text/*").MaxFileSize("1KB"))
	srv, err := New(context.Background(), Opts{Config: cfg, Routes: routes})
	require.NoError(t, err)
	handler.Store(srv.Handler())
	return ts
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandler(t *testing.T) {
	t.Run("A file can be requested, uploaded, confirmed and listed", func(t *testing.T) {
		ts := newTestServer(t, Config{})
		api := ts.URL + "/api/v1/storage"

		code, plan := postJSON(t, api+"/request-upload",
			`{"route":"docs","fileInfo":{"name":"Notes.txt","size":5,"type":"text/plain"}}`)
		require.Equal(t, http.StatusOK, code, plan)
		assert.Equal(t, "success", plan["status"])
		assert.Equal(t, "single", plan["type"])

		upload := plan["upload"].(map[string]any)
		req, err := http.NewRequest(http.MethodPut, upload["url"].(string), strings.NewReader("hello"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		objectURL := plan["url"].(string)
		resp, err = http.Get(objectURL)
		require.NoError(t, err)
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "hello", string(b))

		code, _ = postJSON(t, api+"/confirm", `{"route":"docs","url":"`+objectURL+`"}`)
		assert.Equal(t, http.StatusOK, code)

		code, list := postJSON(t, api+"/list", `{"route":"docs"}`)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, []any{objectURL}, list["urls"])
	})

	t.Run("Validation failures use the error envelope", func(t *testing.T) {
		ts := newTestServer(t, Config{})
		api := ts.URL + "/api/v1/storage"

		code, body := postJSON(t, api+"/request-upload",
			`{"route":"docs","fileInfo":{"name":"a.txt","size":4096,"type":"text/plain"}}`)
		assert.Equal(t, http.StatusRequestEntityTooLarge, code)
		assert.Equal(t, "error", body["status"])
		assert.Equal(t, "FILE_LIMIT_EXCEEDED", body["name"])

		code, body = postJSON(t, api+"/request-upload",
			`{"route":"missing","fileInfo":{"name":"a.txt","size":1,"type":"text/plain"}}`)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "NOT_FOUND", body["name"])
	})

	t.Run("Health and metrics are served", func(t *testing.T) {
		ts := newTestServer(t, Config{})

		resp, err := http.Get(ts.URL + "/api/v1/storage/health")
		require.NoError(t, err)
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "ok", string(b))
		assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

		resp, err = http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Mutating endpoints are rate limited per client", func(t *testing.T) {
		ts := newTestServer(t, Config{RateLimit: RateLimitConfig{RPS: 1, TTL: time.Minute}})
		api := ts.URL + "/api/v1/storage"

		limited := false
		for i := 0; i < 5; i++ {
			code, body := postJSON(t, api+"/confirm", `{"route":"docs","url":"x"}`)
			if code == http.StatusTooManyRequests {
				assert.Equal(t, "TOO_MANY_REQUESTS", body["name"])
				limited = true
				break
			}
		}
		assert.True(t, limited)
	})
}

func TestHandlerTracing(t *testing.T) {
	t.Run("Every request produces exactly one server span", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		otel.SetTracerProvider(tp)
		t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

		ts := newTestServer(t, Config{})
		resp, err := http.Get(ts.URL + "/api/v1/storage/health")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Len(t, sr.Ended(), 1)
	})
}

func TestLogInterceptor(t *testing.T) {
	t.Run("An incoming request id is kept", func(t *testing.T) {
		h := LogInterceptor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
	})
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) AbortStale(context.Context, time.Duration) (int, error) {
	s.calls.Add(1)
	return 1, nil
}

func TestStartSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &countingSweeper{}
	done := StartSweeper(ctx, s, 5*time.Millisecond, time.Hour)

	assert.Eventually(t, func() bool { return s.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
