package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	cases := map[string]string{
		"Société d'Assurance":  "societe d assurance",
		"GÉNÉRALE   SANTÉ":     "generale sante",
		"  Doliprane-1000mg  ": "doliprane 1000mg",
		"":                     "",
		"---":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Fold(in), "input %q", in)
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("GENERALE SANTE ASSURANCES", "Générale Santé"))
	assert.True(t, Contains("Doliprane 1000mg comprimés", "DOLIPRANE"))
	assert.False(t, Contains("Omega Mutuelle", "Générale"))
	assert.False(t, Contains("anything", ""))
	assert.False(t, Contains("", "anything"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("Société Générale", "societe generale"))
	assert.True(t, Equal("PHARMACIE", "pharmacie"))
	assert.False(t, Equal("pharmacie", "laboratoire"))
}
