package resource

import (
	"fmt"
	"strings"
)

type reportHandler struct{}

func (reportHandler) Kind() Kind             { return KindReport }
func (reportHandler) Table() string          { return "reports" }
func (reportHandler) ArtifactRequired() bool { return false }
func (reportHandler) Dispatched() bool       { return false }
func (reportHandler) NewPayload() Payload    { return &Report{} }

func (reportHandler) Columns() []Column {
	return []Column{
		{Name: "title", Type: ColumnText},
		{Name: "content", Type: ColumnText},
		{Name: "artifact_ref", Type: ColumnText},
		{Name: "status", Type: ColumnText},
	}
}

func (h reportHandler) Shape(fields Fields, artifactRef string) (Payload, error) {
	r := &Report{Ref: artifactRef, Status: ReportPending}
	if err := h.apply(r, fields); err != nil {
		return nil, err
	}
	if r.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if r.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	return r, nil
}

func (h reportHandler) Merge(p Payload, fields Fields) (Payload, error) {
	r, err := payloadAs[*Report](p)
	if err != nil {
		return nil, err
	}
	out := r.clone().(*Report)
	if err := h.apply(out, fields); err != nil {
		return nil, err
	}
	return out, nil
}

func (reportHandler) apply(r *Report, fields Fields) error {
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"title", &r.Title},
		{"content", &r.Content},
	} {
		v, ok, err := fields.String(f.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidInput, f.key)
		}
		*f.dst = v
	}

	status, ok, err := fields.String("status")
	if err != nil {
		return err
	}
	if ok {
		s := ReportStatus(strings.ToLower(status))
		if !s.valid() {
			return fmt.Errorf("%w: unknown report status %q", ErrInvalidInput, status)
		}
		r.Status = s
	}
	return nil
}

func (reportHandler) Values(p Payload) ([]any, error) {
	r, err := payloadAs[*Report](p)
	if err != nil {
		return nil, err
	}
	return []any{r.Title, r.Content, r.Ref, string(r.Status)}, nil
}

func (reportHandler) Targets(p Payload) ([]any, func() error) {
	r := p.(*Report)
	var status string
	return []any{&r.Title, &r.Content, &r.Ref, &status}, func() error {
		r.Status = ReportStatus(status)
		return nil
	}
}

var _ Handler = reportHandler{}
