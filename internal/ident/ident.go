// Package ident generates compact sortable identifiers used to
// correlate VTS channels, accepted connections, and log lines.
package ident

import "github.com/rs/xid"

// ID is a sortable, globally-unique identifier.
type ID string

// New returns a freshly generated identifier.
func New() ID {
	return ID(xid.New().String())
}

// String satisfies fmt.Stringer.
func (i ID) String() string { return string(i) }
