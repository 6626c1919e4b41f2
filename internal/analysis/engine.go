// Package analysis sends stored videos to the external deepfake analysis
// engine and reconciles the outcome into the stored record.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// ErrUpstream marks a failed or timed out engine call. It never leaves the
// dispatcher.
var ErrUpstream = errors.New("analysis engine failure")

// Verdict is the engine's answer for one video.
type Verdict struct {
	// Result is real, fake or uncertain.
	Result       string
	Confidence   float64
	Metrics      map[string]float64
	Report       string
	AnalysisTime time.Duration
}

// Engine analyzes one video stream.
type Engine interface {
	Analyze(ctx context.Context, filename string, video io.Reader) (*Verdict, error)
}

// HTTPEngine talks to the engine's REST API:
// POST /api/analyze with a multipart "video" part, and GET /api/health.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine returns a client for the engine at baseURL. A nil client uses
// http.DefaultClient; call deadlines come from the context.
func NewHTTPEngine(baseURL string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type analyzeResponse struct {
	Result       string             `json:"result"`
	Status       string             `json:"status"`
	Confidence   *float64           `json:"confidence"`
	Metrics      map[string]float64 `json:"metrics"`
	Report       string             `json:"report"`
	AnalysisTime float64            `json:"analysis_time"`
}

func (e *HTTPEngine) Analyze(ctx context.Context, filename string, video io.Reader) (*Verdict, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// Stream the multipart body instead of buffering the whole video.
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, filename))
		h.Set("Content-Type", resource.VideoContentType(filename))
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, video)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/analyze", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	// Unblock the writer goroutine if the engine answered before reading the
	// whole upload.
	pr.CloseWithError(io.ErrClosedPipe)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: engine returned %s: %s", ErrUpstream, resp.Status, strings.TrimSpace(string(body)))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid engine response: %v", ErrUpstream, err)
	}
	result := out.Result
	if result == "" {
		result = out.Status
	}
	if result == "" || out.Confidence == nil {
		return nil, fmt.Errorf("%w: engine response is missing result or confidence", ErrUpstream)
	}
	return &Verdict{
		Result:       strings.ToLower(result),
		Confidence:   *out.Confidence,
		Metrics:      out.Metrics,
		Report:       out.Report,
		AnalysisTime: time.Duration(out.AnalysisTime * float64(time.Second)),
	}, nil
}

// Health probes the engine's health endpoint.
func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrUpstream, resp.Status)
	}
	return nil
}
