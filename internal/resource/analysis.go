package resource

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type analysisHandler struct{}

func (analysisHandler) Kind() Kind             { return KindAnalysis }
func (analysisHandler) Table() string          { return "analyses" }
func (analysisHandler) ArtifactRequired() bool { return true }
func (analysisHandler) Dispatched() bool       { return true }
func (analysisHandler) NewPayload() Payload    { return &Analysis{} }

func (analysisHandler) Columns() []Column {
	return []Column{
		{Name: "artifact_ref", Type: ColumnText},
		{Name: "status", Type: ColumnText},
		{Name: "confidence", Type: ColumnReal},
		{Name: "metrics", Type: ColumnJSON},
		{Name: "report", Type: ColumnText},
		{Name: "analyzed_at", Type: ColumnTime},
	}
}

func (h analysisHandler) Shape(fields Fields, artifactRef string) (Payload, error) {
	a := &Analysis{
		Ref:        artifactRef,
		Status:     AnalysisPending,
		Confidence: 0,
	}
	if err := h.apply(a, fields); err != nil {
		return nil, err
	}
	return a, nil
}

func (h analysisHandler) Merge(p Payload, fields Fields) (Payload, error) {
	a, err := payloadAs[*Analysis](p)
	if err != nil {
		return nil, err
	}
	out := a.clone().(*Analysis)
	if err := h.apply(out, fields); err != nil {
		return nil, err
	}
	return out, nil
}

func (analysisHandler) apply(a *Analysis, fields Fields) error {
	// "result" is the legacy name of the verdict field.
	status, err := fields.first("status", "result")
	if err != nil {
		return err
	}
	if status != "" {
		s := AnalysisStatus(strings.ToLower(status))
		if !s.valid() {
			return fmt.Errorf("%w: unknown analysis status %q", ErrInvalidInput, status)
		}
		a.Status = s
	}

	confidence, ok, err := fields.Float("confidence")
	if err != nil {
		return err
	}
	if ok {
		if !(confidence >= 0 && confidence <= 1) {
			return fmt.Errorf("%w: confidence %v is outside [0, 1]", ErrInvalidInput, confidence)
		}
		a.Confidence = confidence
	}

	metrics, ok, err := fields.Scores("metrics")
	if err != nil {
		return err
	}
	if ok {
		a.Metrics = metrics
	}

	report, ok, err := fields.String("report")
	if err != nil {
		return err
	}
	if ok {
		a.Report = report
	}

	analyzedAt, ok, err := fields.Time("analyzedAt")
	if err != nil {
		return err
	}
	if ok {
		t := analyzedAt.UTC()
		a.AnalyzedAt = &t
	}
	return nil
}

func (analysisHandler) Values(p Payload) ([]any, error) {
	a, err := payloadAs[*Analysis](p)
	if err != nil {
		return nil, err
	}
	var metrics any
	if a.Metrics != nil {
		raw, err := json.Marshal(a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metrics: %w", err)
		}
		metrics = string(raw)
	}
	var analyzedAt any
	if a.AnalyzedAt != nil {
		analyzedAt = a.AnalyzedAt.UTC()
	}
	return []any{a.Ref, string(a.Status), a.Confidence, metrics, a.Report, analyzedAt}, nil
}

func (analysisHandler) Targets(p Payload) ([]any, func() error) {
	a := p.(*Analysis)
	var (
		status     string
		metrics    sql.NullString
		analyzedAt sql.NullTime
	)
	targets := []any{&a.Ref, &status, &a.Confidence, &metrics, &a.Report, &analyzedAt}
	return targets, func() error {
		a.Status = AnalysisStatus(status)
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &a.Metrics); err != nil {
				return fmt.Errorf("failed to decode metrics: %w", err)
			}
		}
		if analyzedAt.Valid {
			t := analyzedAt.Time.UTC()
			a.AnalyzedAt = &t
		}
		return nil
	}
}

var _ Handler = analysisHandler{}
