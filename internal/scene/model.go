package scene

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("scene: invalid document id")
	// ErrInvalidObjectID indicates that an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("scene: invalid object id")
	// ErrEmptyPatch indicates that a local change carried no fields.
	ErrEmptyPatch = errors.New("scene: empty field patch")
	// ErrMalformedDelta indicates that a binary payload failed to decode.
	ErrMalformedDelta = errors.New("scene: malformed delta")
)

// DocumentID represents a validated scene document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ObjectID represents a validated placed-object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxIdentifierLength)
	}
	return ObjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ObjectID) String() string {
	return string(id)
}

// Vec3 is a three-component vector used for position, rotation, and scale.
type Vec3 [3]float64

// ObjectRecord is the materialized view of one placed object in a scene.
type ObjectRecord struct {
	Name     string
	Category string
	Position Vec3
	Rotation Vec3
	Scale    Vec3
	Color    string
	ModelRef string
}

// FieldPatch describes a partial update to an object record. Nil fields are
// left untouched.
type FieldPatch struct {
	Name     *string
	Category *string
	Position *Vec3
	Rotation *Vec3
	Scale    *Vec3
	Color    *string
	ModelRef *string
}

func (p FieldPatch) isEmpty() bool {
	return p.Name == nil && p.Category == nil && p.Position == nil &&
		p.Rotation == nil && p.Scale == nil && p.Color == nil && p.ModelRef == nil
}
