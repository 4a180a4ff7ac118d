package asn1

import (
	"fmt"

	"github.com/halvorsen/vtsd/internal/verr"
)

// ChoiceDef dispatches by leading tag to one of several Definitions
// (spec.md §4.3 "Choice parser").
type ChoiceDef struct {
	TypeName string
	Variants map[Tag]*Definition
}

// Parse peeks the leading tag of raw and dispatches to the matching
// variant, per spec.md's choice-parser rule.
func (c *ChoiceDef) Parse(raw []byte, opts ParseOptions) (*Value, int, error) {
	tag, _, _, err := decodeIdentifier(raw)
	if err != nil {
		return nil, 0, err
	}
	def, ok := c.Variants[tag]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unrecognized choice tag in %s", verr.ErrParse, c.TypeName)
	}
	return def.Parse(raw, opts)
}
