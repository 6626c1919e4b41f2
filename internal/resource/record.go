package resource

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

type AnalysisStatus string

const (
	AnalysisPending       AnalysisStatus = "pending"
	AnalysisReal          AnalysisStatus = "real"
	AnalysisFake          AnalysisStatus = "fake"
	AnalysisIndeterminate AnalysisStatus = "indeterminate"
)

func (s AnalysisStatus) valid() bool {
	switch s {
	case AnalysisPending, AnalysisReal, AnalysisFake, AnalysisIndeterminate:
		return true
	}
	return false
}

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportVerified ReportStatus = "verified"
	ReportRejected ReportStatus = "rejected"
)

func (s ReportStatus) valid() bool {
	switch s {
	case ReportPending, ReportVerified, ReportRejected:
		return true
	}
	return false
}

// Owner is the read-side summary of the principal a record belongs to.
type Owner struct {
	ID    string `json:"id" dynamodbav:"id"`
	Name  string `json:"name,omitempty" dynamodbav:"name"`
	Email string `json:"email,omitempty" dynamodbav:"email"`
}

// Payload is the kind-specific part of a record. The concrete types are
// *Analysis and *Report.
type Payload interface {
	Kind() Kind
	ArtifactRef() string

	setArtifactRef(ref string)
	clone() Payload
}

// Record is a persisted entity of one kind. Base fields are shared, Payload
// carries the variant.
type Record struct {
	ID        string
	Kind      Kind
	OwnerID   string
	Owner     *Owner
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   Payload
}

// ArtifactRef returns the blob locator of the record, or "" if none is set.
func (r Record) ArtifactRef() string {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.ArtifactRef()
}

func (r Record) clone() Record {
	out := r
	if r.Owner != nil {
		o := *r.Owner
		out.Owner = &o
	}
	if r.Payload != nil {
		out.Payload = r.Payload.clone()
	}
	return out
}

// MarshalJSON flattens the payload next to the base fields.
func (r Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", r.Kind, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	out["id"] = r.ID
	out["kind"] = r.Kind
	out["ownerId"] = r.OwnerID
	out["createdAt"] = r.CreatedAt
	out["updatedAt"] = r.UpdatedAt
	if r.Owner != nil {
		out["owner"] = r.Owner
	}
	return json.Marshal(out)
}

// Analysis is the payload of a deepfake analysis submission.
type Analysis struct {
	Ref        string             `json:"artifactRef,omitempty" dynamodbav:"artifactRef,omitempty"`
	Status     AnalysisStatus     `json:"status" dynamodbav:"status"`
	Confidence float64            `json:"confidence" dynamodbav:"confidence"`
	Metrics    map[string]float64 `json:"metrics,omitempty" dynamodbav:"metrics,omitempty"`
	Report     string             `json:"report,omitempty" dynamodbav:"report,omitempty"`
	AnalyzedAt *time.Time         `json:"analyzedAt,omitempty" dynamodbav:"analyzedAt,omitempty"`
}

func (a *Analysis) Kind() Kind          { return KindAnalysis }
func (a *Analysis) ArtifactRef() string { return a.Ref }

func (a *Analysis) setArtifactRef(ref string) { a.Ref = ref }

func (a *Analysis) clone() Payload {
	out := *a
	out.Metrics = maps.Clone(a.Metrics)
	if a.AnalyzedAt != nil {
		t := *a.AnalyzedAt
		out.AnalyzedAt = &t
	}
	return &out
}

// Report is the payload of a user-written report about a video.
type Report struct {
	Title   string       `json:"title" dynamodbav:"title"`
	Content string       `json:"content" dynamodbav:"content"`
	Ref     string       `json:"artifactRef,omitempty" dynamodbav:"artifactRef,omitempty"`
	Status  ReportStatus `json:"status" dynamodbav:"status"`
}

func (r *Report) Kind() Kind          { return KindReport }
func (r *Report) ArtifactRef() string { return r.Ref }

func (r *Report) setArtifactRef(ref string) { r.Ref = ref }

func (r *Report) clone() Payload {
	out := *r
	return &out
}

func ownerSummary(ownerID, name, email string) *Owner {
	if ownerID == "" {
		return nil
	}
	return &Owner{ID: ownerID, Name: name, Email: email}
}
