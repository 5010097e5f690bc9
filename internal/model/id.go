package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used to correlate one request's log
// lines.
func NewID() string {
	return ulid.Make().String()
}
