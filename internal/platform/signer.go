package platform

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues short-lived RS256 tokens for signed playback and thumbnail
// URLs. The key id goes in the JWT header so the platform can pick the
// matching public key.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner parses the PEM-encoded signing key.
func NewSigner(keyID, pemKey string) (*Signer, error) {
	if keyID == "" || pemKey == "" {
		return nil, fmt.Errorf("signing key id and PEM are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Signer{keyID: keyID, key: key}, nil
}

// Grant is a signed URL plus its expiry.
type Grant struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SignPlayback issues an HLS playback grant (aud "v") for a playback id.
func (s *Signer) SignPlayback(playbackID string, ttl time.Duration) (Grant, error) {
	exp := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub": playbackID,
		"aud": "v",
		"exp": exp.Unix(),
	}
	token, err := s.sign(claims)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		URL:       fmt.Sprintf("https://stream.mux.com/%s.m3u8?token=%s", playbackID, token),
		ExpiresAt: exp,
	}, nil
}

// ThumbnailOptions are the transform parameters embedded in the token.
// For signed playback ids the platform reads them from the JWT claims, not
// from the URL query.
type ThumbnailOptions struct {
	Time    *float64
	Width   *int
	Height  *int
	FitMode string // smartcrop, pad, crop
	Format  string // jpg, png
}

// SignThumbnail issues a thumbnail grant (aud "t") with transforms in the
// claims; the URL query carries only the token.
func (s *Signer) SignThumbnail(playbackID string, opts ThumbnailOptions, ttl time.Duration) (Grant, error) {
	exp := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub": playbackID,
		"aud": "t",
		"exp": exp.Unix(),
	}
	if opts.Time != nil {
		claims["time"] = *opts.Time
	}
	if opts.Width != nil {
		claims["width"] = *opts.Width
	}
	if opts.Height != nil {
		claims["height"] = *opts.Height
	}
	if opts.FitMode != "" {
		claims["fit_mode"] = opts.FitMode
	} else {
		claims["fit_mode"] = "smartcrop"
	}

	format := opts.Format
	if format == "" {
		format = "jpg"
	}
	token, err := s.sign(claims)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		URL:       fmt.Sprintf("https://image.mux.com/%s/thumbnail.%s?token=%s", playbackID, format, token),
		ExpiresAt: exp,
	}, nil
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
