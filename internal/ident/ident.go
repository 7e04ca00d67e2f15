// Package ident generates the unique identifiers used for presentations,
// slides, elements, participants and resume tokens.
package ident

import "github.com/google/uuid"

// New returns a collision-resistant random identifier.
func New() string {
	return uuid.NewString()
}
