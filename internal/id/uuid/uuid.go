// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 identifiers.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRawID returns a UUID7. Its signature matches postgres.IDFunc.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
