package images

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-reconciler/internal/domain/parking"
)

func tokenOf(t *testing.T, signed string) string {
	t.Helper()
	u, err := url.Parse(signed)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestSignAndVerify(t *testing.T) {
	s := NewSigner("https://img.example.com/", "secret", time.Minute, 16)

	signed, err := s.Sign("/site-1/cam-2/plate.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "https://img.example.com/site-1/cam-2/plate.jpg?token="))

	require.NoError(t, s.Verify("site-1/cam-2/plate.jpg", tokenOf(t, signed)))
	assert.Error(t, s.Verify("site-1/cam-2/other.jpg", tokenOf(t, signed)))
}

func TestSignCachesAndExpires(t *testing.T) {
	s := NewSigner("https://img.example.com", "secret", time.Minute, 16)
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	first, err := s.Sign("a.jpg")
	require.NoError(t, err)
	second, err := s.Sign("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Error(t, s.Verify("a.jpg", tokenOf(t, first)), "token must expire after ttl")
}

func TestSignPassesThroughAbsoluteAndEmpty(t *testing.T) {
	s := NewSigner("https://img.example.com", "secret", time.Minute, 16)

	got, err := s.Sign("https://cdn.example.com/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/x.jpg", got)

	got, err = s.Sign("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSignAllWithoutKeyLeavesURLsUnsigned(t *testing.T) {
	s := NewSigner("http://localhost:9000/images", "", time.Minute, 16)

	got, err := s.SignAll([]parking.Image{{URL: "p.jpg", Type: "plate"}, {URL: "o.jpg", Type: "overview"}})
	require.NoError(t, err)
	assert.Equal(t, []parking.Image{
		{URL: "http://localhost:9000/images/p.jpg", Type: "plate"},
		{URL: "http://localhost:9000/images/o.jpg", Type: "overview"},
	}, got)
}
