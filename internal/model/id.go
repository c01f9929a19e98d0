package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier.
// ULIDs sort by creation time, which keeps event and run listings ordered.
func NewID() string {
	return ulid.Make().String()
}
