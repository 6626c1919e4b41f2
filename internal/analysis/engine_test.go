package analysis

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngineAnalyze(t *testing.T) {
	type upload struct{ name, contentType, body string }
	got := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/analyze" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("video")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		got <- upload{header.Filename, header.Header.Get("Content-Type"), string(data)}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result":"FAKE","confidence":0.92,"metrics":{"lip_sync":0.8},"report":"blending seams","analysis_time":1.5}`)
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL+"/", nil)
	v, err := engine.Analyze(context.Background(), "3f2a.mov", strings.NewReader("mov bytes"))
	require.NoError(t, err)

	assert.Equal(t, upload{"3f2a.mov", "video/quicktime", "mov bytes"}, <-got)
	assert.Equal(t, &Verdict{
		Result:       "fake",
		Confidence:   0.92,
		Metrics:      map[string]float64{"lip_sync": 0.8},
		Report:       "blending seams",
		AnalysisTime: 1500 * time.Millisecond,
	}, v)
}

func TestHTTPEngineAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"detail":"model not loaded"}`},
		{name: "unsupported media", status: http.StatusUnsupportedMediaType, body: `{"detail":"bad type"}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
		{name: "missing confidence", status: http.StatusOK, body: `{"result":"real"}`},
		{name: "missing verdict", status: http.StatusOK, body: `{"confidence":0.3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPEngine(srv.URL, srv.Client()).Analyze(context.Background(), "a.mp4", strings.NewReader("x"))
			assert.ErrorIs(t, err, ErrUpstream)
		})
	}
}

func TestHTTPEngineAcceptsStatusField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"status":"uncertain","confidence":0.5}`)
	}))
	defer srv.Close()

	v, err := NewHTTPEngine(srv.URL, nil).Analyze(context.Background(), "a.mp4", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "uncertain", v.Result)
	assert.Equal(t, 0.5, v.Confidence)
}

func TestHTTPEngineAnalyzeHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPEngine(srv.URL, nil).Analyze(ctx, "a.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorContains(t, err, "deadline exceeded")
}

func TestHTTPEngineHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, nil)
	require.NoError(t, engine.Health(context.Background()))

	healthy.Store(false)
	assert.ErrorIs(t, engine.Health(context.Background()), ErrUpstream)
}
