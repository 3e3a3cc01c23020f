// Package images turns stored thumbnail references into short-lived signed URLs.
package images

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"anpr-reconciler/internal/domain/parking"
)

type Signer struct {
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
	cache   *expirable.LRU[string, string]
}

// NewSigner returns a signer issuing URLs valid for ttl. Signed URLs are cached for half
// their lifetime so a cached URL always has at least ttl/2 left when handed out.
// With an empty key, URLs are returned unsigned.
func NewSigner(baseURL, key string, ttl time.Duration, cacheSize int) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     []byte(key),
		ttl:     ttl,
		now:     time.Now,
		cache:   expirable.NewLRU[string, string](cacheSize, nil, ttl/2),
	}
}

// Sign resolves one image reference. Absolute URLs pass through untouched.
func (s *Signer) Sign(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref, nil
	}
	if cached, ok := s.cache.Get(ref); ok {
		return cached, nil
	}

	path := strings.TrimLeft(ref, "/")
	full := s.baseURL + "/" + path
	if len(s.key) == 0 {
		return full, nil
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   path,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign image %s: %w", path, err)
	}

	out := full + "?token=" + url.QueryEscape(signed)
	s.cache.Add(ref, out)
	return out, nil
}

// SignAll returns a copy of images with signed URLs.
func (s *Signer) SignAll(in []parking.Image) ([]parking.Image, error) {
	out := make([]parking.Image, 0, len(in))
	for _, img := range in {
		signed, err := s.Sign(img.URL)
		if err != nil {
			return nil, err
		}
		out = append(out, parking.Image{URL: signed, Type: img.Type})
	}
	return out, nil
}

// Verify checks a token previously issued for path. The image server side of the
// contract; kept here so both halves share one claim layout.
func (s *Signer) Verify(path, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != strings.TrimLeft(path, "/") {
		return fmt.Errorf("token not issued for %s", path)
	}
	return nil
}
