package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	cases := map[string]string{
		"AB12CDE":    "AB12CDE",
		"ab12 cde":   "AB12CDE",
		" AB12-CDE ": "AB12CDE",
		"a.b/1":      "AB1",
		"   ":        "",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePlate(in), "input %q", in)
	}
}
