package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"type":"video.asset.ready","id":"evt_1"}`)
	sig := signBody(body, secret)

	header := fmt.Sprintf("t=1712345678,v1=%s", sig)
	if !VerifySignature(body, header, secret) {
		t.Fatalf("expected valid signature to verify")
	}

	// Dev senders that only send a bare MAC segment still verify.
	if !VerifySignature(body, "sig="+sig, secret) {
		t.Fatalf("expected bare segment fallback to verify")
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"type":"video.asset.ready"}`)
	header := "t=1,v1=" + signBody(body, secret)

	tampered := []byte(`{"type":"video.asset.errored"}`)
	if VerifySignature(tampered, header, secret) {
		t.Fatalf("tampered body must not verify")
	}
}

func TestVerifySignatureRejectsGarbage(t *testing.T) {
	body := []byte(`{}`)
	cases := []string{
		"",
		"v1=",
		"v1=nothex",
		"no-separator-at-all",
		"t=123",
	}
	for _, header := range cases {
		if VerifySignature(body, header, "secret") {
			t.Fatalf("header %q must not verify", header)
		}
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	body := []byte(`{"type":"x"}`)
	header := "v1=" + signBody(body, "right")
	if VerifySignature(body, header, "wrong") {
		t.Fatalf("wrong secret must not verify")
	}
}
