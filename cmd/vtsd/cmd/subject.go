package cmd

import (
	"fmt"
	"strings"

	"github.com/halvorsen/vtsd/internal/x509obj"
)

// subjectAttrs maps the short RDN labels accepted on the command line
// to the attribute keys internal/x509obj.NewName recognizes.
var subjectAttrs = map[string]string{
	"CN": x509obj.AttrCommonName,
	"O":  x509obj.AttrOrganizationName,
	"ST": x509obj.AttrStateOrProvince,
	"SA": x509obj.AttrStreetAddress,
	"C":  x509obj.AttrCountryName,
	"SN": x509obj.AttrSerialNumber,
}

// parseSubject parses a "CN=test,O=Example" style string into a Name.
func parseSubject(s string) (*x509obj.Name, error) {
	kv := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("subject: malformed RDN %q (want KEY=value)", part)
		}
		label := strings.ToUpper(strings.TrimSpace(part[:eq]))
		attr, ok := subjectAttrs[label]
		if !ok {
			return nil, fmt.Errorf("subject: unrecognized RDN label %q", label)
		}
		kv[attr] = strings.TrimSpace(part[eq+1:])
	}
	return x509obj.NewName(kv)
}
