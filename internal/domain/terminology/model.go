package terminology

import (
	"time"

	"github.com/google/uuid"
)

// Concept represents an entry of the local concept dictionary.
type Concept struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Retired   bool      `db:"retired" json:"retired"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ConceptAlias maps a name used by an external system to the local concept name.
type ConceptAlias struct {
	Alias         string `db:"alias" json:"alias"`
	CanonicalName string `db:"canonical_name" json:"canonical_name"`
}
