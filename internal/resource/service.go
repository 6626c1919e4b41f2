package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"

	"github.com/google/uuid"

	"github.com/thswjdguq/deepsentinel/internal/metrics"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type Page struct {
	Items      []Record   `json:"items"`
	Pagination Pagination `json:"pagination"`
}

type ServiceOptions struct {
	// MaxUploadBytes caps attachment size. Zero means DefaultMaxUploadBytes.
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Service validates input, owns the lifecycle of uploaded blobs and hands
// analysis records to the dispatcher.
type Service struct {
	repo       Repository
	blobs      BlobStore
	dispatcher Dispatcher

	maxUploadBytes int64
	log            *slog.Logger
	metrics        *metrics.Metrics
}

func NewService(repo Repository, blobs BlobStore, dispatcher Dispatcher, opts ServiceOptions) *Service {
	s := &Service{
		repo:           repo,
		blobs:          blobs,
		dispatcher:     dispatcher,
		maxUploadBytes: opts.MaxUploadBytes,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// MaxUploadBytes is the configured attachment size ceiling.
func (s *Service) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

func (s *Service) List(ctx context.Context, kind Kind, page, limit int) (*Page, error) {
	if _, err := Resolve(kind); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}

	// Pages whose offset does not fit an int lie past any stored record.
	items := []Record{}
	if page-1 <= math.MaxInt/limit {
		var err error
		if items, err = s.repo.List(ctx, kind, (page-1)*limit, limit); err != nil {
			return nil, err
		}
	}
	total, err := s.repo.Count(ctx, kind)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Record{}
	}
	return &Page{
		Items: items,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	}, nil
}

func (s *Service) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	if _, err := Resolve(kind); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, kind, id)
}

// Create stores a new record. An attached upload is written to the blob store
// first and removed again if the record cannot be persisted. For dispatched
// kinds the analysis is started in the background and Create returns without
// waiting for it.
func (s *Service) Create(ctx context.Context, kind Kind, fields Fields, upload *Upload) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = Fields{}
	}

	var ext string
	if upload != nil {
		if ext, err = checkUpload(upload, s.maxUploadBytes); err != nil {
			return nil, err
		}
	}

	externalURL, err := fields.first("artifactUrl", "videoUrl")
	if err != nil {
		return nil, err
	}
	if externalURL != "" && upload == nil {
		if err := checkExternalURL(externalURL); err != nil {
			return nil, err
		}
	}
	if h.ArtifactRequired() && upload == nil && externalURL == "" {
		return nil, fmt.Errorf("%w: %s requires a video upload or an artifactUrl", ErrInvalidInput, kind)
	}

	ownerID, err := fields.first("ownerId", "userId")
	if err != nil {
		return nil, err
	}

	// Shape before touching the blob store so bad input never leaves a blob.
	payload, err := h.Shape(fields, "")
	if err != nil {
		return nil, err
	}

	var stored string
	if upload != nil {
		stored, err = s.storeUpload(ctx, upload, ext)
		if err != nil {
			return nil, err
		}
		payload.setArtifactRef(stored)
	} else {
		payload.setArtifactRef(externalURL)
	}

	rec, err := s.repo.Create(ctx, kind, Record{Kind: kind, OwnerID: ownerID, Payload: payload})
	if err != nil {
		if stored != "" {
			s.removeBlob(context.WithoutCancel(ctx), "create", stored)
		}
		return nil, fmt.Errorf("failed to create %s: %w", kind, err)
	}
	s.metrics.RecordCreated(string(kind))
	s.log.Info("resource created", "kind", kind, "id", rec.ID, "artifact", rec.ArtifactRef())

	if h.Dispatched() && stored != "" && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, rec.clone())
	}
	return rec, nil
}

func (s *Service) storeUpload(ctx context.Context, u *Upload, ext string) (string, error) {
	if s.blobs == nil {
		return "", errors.New("no blob store configured")
	}
	name := uuid.NewString() + ext
	body := &limitedReader{r: u.Body, n: s.maxUploadBytes}
	ref, err := s.blobs.Save(ctx, name, body)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return "", fmt.Errorf("%w: upload exceeds the %d byte limit", ErrFileTooLarge, s.maxUploadBytes)
		}
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return ref, nil
}

// Update applies a partial update. This is the manual override path: any
// status may be set regardless of what reconciliation wrote.
func (s *Service) Update(ctx context.Context, kind Kind, id string, fields Fields) (*Record, error) {
	if _, err := Resolve(kind); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, kind, id); err != nil {
		return nil, err
	}
	rec, err := s.repo.Update(ctx, kind, id, fields)
	if err != nil {
		return nil, err
	}
	s.log.Info("resource updated", "kind", kind, "id", id)
	return rec, nil
}

// Delete removes a record together with its service-managed blob. A failed
// blob removal is logged and does not stop the record removal.
func (s *Service) Delete(ctx context.Context, kind Kind, id string) error {
	if _, err := Resolve(kind); err != nil {
		return err
	}
	rec, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if ref := rec.ArtifactRef(); isManagedRef(ref) {
		s.removeBlob(ctx, "delete", ref)
	}
	if err := s.repo.Delete(ctx, kind, id); err != nil {
		return err
	}
	s.log.Info("resource deleted", "kind", kind, "id", id)
	return nil
}

// OpenArtifact streams the blob behind a record. External URLs are not
// proxied; callers get ErrNotFound for them.
func (s *Service) OpenArtifact(ctx context.Context, kind Kind, id string) (io.ReadCloser, *Record, error) {
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, nil, err
	}
	ref := rec.ArtifactRef()
	if !isManagedRef(ref) || s.blobs == nil {
		return nil, rec, fmt.Errorf("%w: %s %s has no stored artifact", ErrNotFound, kind, id)
	}
	rc, err := s.blobs.Open(ctx, ref)
	if err != nil {
		return nil, rec, fmt.Errorf("failed to open artifact: %w", err)
	}
	return rc, rec, nil
}

func (s *Service) removeBlob(ctx context.Context, op, ref string) {
	if s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.metrics.BlobCleanupFailed(op)
		s.log.Warn("failed to delete blob", "op", op, "ref", ref, "error", err)
		return
	}
	s.log.Debug("blob deleted", "op", op, "ref", ref)
}

func checkExternalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || !IsExternalRef(raw) {
		return fmt.Errorf("%w: artifactUrl must be an absolute http(s) URL", ErrInvalidInput)
	}
	return nil
}
