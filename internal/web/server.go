package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// multipartMemory is how much of a multipart body is held in memory before
// parts spill to temporary files.
const multipartMemory = 32 << 20

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type ServerOptions struct {
	// Engine is probed by /api/health. Nil skips the probe.
	Engine HealthChecker
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server exposes the resource service over HTTP under /api.
type Server struct {
	service *resource.Service
	engine  HealthChecker
	log     *slog.Logger

	mux *http.ServeMux
}

func NewServer(service *resource.Service, opts ServerOptions) *Server {
	s := &Server{
		service: service,
		engine:  opts.Engine,
		log:     opts.Logger,
		mux:     http.NewServeMux(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/{kind}", s.handleList)
	s.mux.HandleFunc("POST /api/{kind}", s.handleCreate)
	s.mux.HandleFunc("GET /api/{kind}/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /api/{kind}/{id}", s.handleUpdate)
	s.mux.HandleFunc("PATCH /api/{kind}/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/{kind}/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /api/{kind}/{id}/artifact", s.handleArtifact)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Serve serves on lis until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CORS middleware to allow frontend requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func (s *Server) sendJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &apiError{Message: message, StatusCode: status}})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, resource.ErrUnknownKind),
		errors.Is(err, resource.ErrInvalidFileType),
		errors.Is(err, resource.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, resource.ErrFileTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendJSONError(w, "internal server error", status)
		return
	}
	s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	s.sendJSONError(w, err.Error(), status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "engine": "unknown"}
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.engine.Health(ctx); err != nil {
			s.log.Warn("analysis engine health check failed", "error", err)
			body["status"] = "degraded"
			body["engine"] = "unavailable"
		} else {
			body["engine"] = "ok"
		}
	}
	s.sendJSON(w, body, http.StatusOK)
}

// handleList handles GET /api/{kind}?page=&limit=. Missing or malformed
// paging parameters fall back to the defaults.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	out, err := s.service.List(r.Context(), kind, page, limit)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, out, http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	rec, err := s.service.Get(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, rec, http.StatusOK)
}

// handleCreate handles POST /api/{kind} with either a multipart form carrying
// an optional "video" (or "file") part, or a JSON object.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	var (
		fields resource.Fields
		upload *resource.Upload
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		// Leave headroom for the form fields around the upload itself.
		r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			if statusFor(err) != http.StatusRequestEntityTooLarge {
				err = fmt.Errorf("%w: invalid form data: %v", resource.ErrInvalidInput, err)
			}
			s.sendServiceError(w, r, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		fields = formFields(r.MultipartForm)
		if fh := formFile(r.MultipartForm, "video", "file"); fh != nil {
			file, err := fh.Open()
			if err != nil {
				s.sendServiceError(w, r, fmt.Errorf("failed to open uploaded file: %w", err))
				return
			}
			defer file.Close()
			upload = &resource.Upload{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Body:        file,
			}
		}
	} else {
		if fields, err = decodeFields(r.Body); err != nil {
			s.sendServiceError(w, r, err)
			return
		}
	}

	rec, err := s.service.Create(r.Context(), kind, fields, upload)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, rec, http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	fields, err := decodeFields(r.Body)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	rec, err := s.service.Update(r.Context(), kind, r.PathValue("id"), fields)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, rec, http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.service.Delete(r.Context(), kind, id); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.sendJSON(w, map[string]any{"id": id, "deleted": true}, http.StatusOK)
}

// handleArtifact streams the stored blob of a record.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	body, rec, err := s.service.OpenArtifact(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	defer body.Close()

	name := path.Base(rec.ArtifactRef())
	w.Header().Set("Content-Type", resource.VideoContentType(name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("failed to stream artifact", "kind", kind, "id", rec.ID, "error", err)
	}
}

// decodeFields reads a JSON object body. An empty body yields no fields.
func decodeFields(body io.Reader) (resource.Fields, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	fields := resource.Fields{}
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return resource.Fields{}, nil
		}
		return nil, fmt.Errorf("%w: invalid JSON body: %v", resource.ErrInvalidInput, err)
	}
	if fields == nil {
		fields = resource.Fields{}
	}
	return fields, nil
}

func formFields(form *multipart.Form) resource.Fields {
	fields := resource.Fields{}
	for key, values := range form.Value {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields
}

func formFile(form *multipart.Form, names ...string) *multipart.FileHeader {
	for _, name := range names {
		if files := form.File[name]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}
