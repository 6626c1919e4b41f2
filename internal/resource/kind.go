package resource

import (
	"fmt"
)

// Kind discriminates the record shapes the service stores.
type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindReport   Kind = "report"
)

// ColumnType is the logical type of a kind-specific column. Each SQL dialect
// maps it to a concrete column type.
type ColumnType int

const (
	ColumnText ColumnType = iota
	ColumnReal
	ColumnJSON
	ColumnTime
)

type Column struct {
	Name string
	Type ColumnType
}

// Handler carries everything that differs between kinds: where records are
// stored, how input fields are shaped and merged, and how the payload maps to
// columns. Repositories and the service only talk to kinds through a Handler.
type Handler interface {
	Kind() Kind

	// Table is the storage target: a SQL table or a DynamoDB table suffix.
	Table() string

	// Columns lists the kind-specific columns in the order used by Values
	// and Targets.
	Columns() []Column

	// ArtifactRequired reports whether a record must reference an artifact,
	// either an uploaded blob or an external URL.
	ArtifactRequired() bool

	// Dispatched reports whether records of this kind are sent to the
	// analysis engine after an upload.
	Dispatched() bool

	NewPayload() Payload

	// Shape builds the payload of a new record from caller input, applying
	// the kind's defaults.
	Shape(fields Fields, artifactRef string) (Payload, error)

	// Merge returns a copy of p with the meaningful fields applied. Unknown
	// fields are ignored; the artifact reference never changes.
	Merge(p Payload, fields Fields) (Payload, error)

	// Values returns column values for p in Columns order.
	Values(p Payload) ([]any, error)

	// Targets returns scan destinations for a row in Columns order and a
	// func that moves the scanned values into p once the row is read.
	Targets(p Payload) ([]any, func() error)
}

var registry = map[Kind]Handler{
	KindAnalysis: analysisHandler{},
	KindReport:   reportHandler{},
}

// Resolve returns the handler for kind.
func Resolve(kind Kind) (Handler, error) {
	h, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	return h, nil
}

// ParseKind validates a kind token coming from the outside.
func ParseKind(token string) (Kind, error) {
	h, err := Resolve(Kind(token))
	if err != nil {
		return "", err
	}
	return h.Kind(), nil
}

// Handlers returns every registered handler in a fixed order.
func Handlers() []Handler {
	return []Handler{registry[KindAnalysis], registry[KindReport]}
}

func payloadAs[T Payload](p Payload) (T, error) {
	t, ok := p.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected payload type %T", p)
	}
	return t, nil
}
