package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/x509obj"
)

func TestParseSubject(t *testing.T) {
	n, err := parseSubject("CN=test, O=Example, C=US")
	require.NoError(t, err)
	assert.Equal(t, "test", n.Get(x509obj.AttrCommonName))
	assert.Equal(t, "Example", n.Get(x509obj.AttrOrganizationName))
	assert.Equal(t, "US", n.Get(x509obj.AttrCountryName))
}

func TestParseSubjectRejectsMalformedRDN(t *testing.T) {
	_, err := parseSubject("CN")
	assert.Error(t, err)
}

func TestParseSubjectRejectsUnknownLabel(t *testing.T) {
	_, err := parseSubject("UID=test")
	assert.Error(t, err)
}
