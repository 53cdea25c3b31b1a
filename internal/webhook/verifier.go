package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks that rawBody was signed with secret. It must be
// called on the exact request bytes, before any JSON decoding.
//
// The Mux-Signature header carries comma-separated key=value segments, e.g.
// "t=1712345678,v1=<hex hmac>". The v1 segment holds the hex-encoded
// HMAC-SHA256 of the body; when no v1 segment is present the last segment's
// value is tried, which keeps hand-rolled dev senders working.
func VerifySignature(rawBody []byte, header, secret string) bool {
	provided := extractMAC(header)
	if provided == "" {
		return false
	}
	sig, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(sig, mac.Sum(nil))
}

func extractMAC(header string) string {
	if header == "" {
		return ""
	}
	last := ""
	for _, seg := range strings.Split(header, ",") {
		seg = strings.TrimSpace(seg)
		k, v, found := strings.Cut(seg, "=")
		if !found {
			continue
		}
		v = strings.TrimSpace(v)
		if strings.TrimSpace(k) == "v1" {
			return v
		}
		last = v
	}
	return last
}
