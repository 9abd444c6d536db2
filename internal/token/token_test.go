package token

import (
	"strings"
	"testing"
	"time"
)

func testClaims() Claims {
	return Claims{WebsiteID: "site-1", SessionID: "s-1", CampaignID: "c-1", DisplayID: "d-1"}
}

func withNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestGenerateVerify(t *testing.T) {
	secret := []byte("secret")
	tok, err := Generate(testClaims(), secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := Verify(tok, secret, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.WebsiteID != "site-1" || c.SessionID != "s-1" || c.CampaignID != "c-1" || c.DisplayID != "d-1" {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if c.IssuedAt.IsZero() {
		t.Fatal("issued-at not set")
	}
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("s")
	issued := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	withNow(t, issued)
	tok, err := Generate(testClaims(), secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	withNow(t, issued.Add(2*time.Minute))
	if _, err := Verify(tok, secret, time.Minute); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := Verify(tok, secret, 0); err != nil {
		t.Fatalf("ttl 0 should disable expiry, got %v", err)
	}
}

func TestVerifyInvalid(t *testing.T) {
	secret := []byte("s")
	tok, _ := Generate(testClaims(), secret)

	cases := map[string]string{
		"tampered signature": tok + "x",
		"no separator":       strings.Replace(tok, ".", "", 1),
		"bad base64":         "!!!." + strings.SplitN(tok, ".", 2)[1],
		"empty":              "",
	}
	for name, bad := range cases {
		if _, err := Verify(bad, secret, time.Minute); err != ErrInvalid {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if _, err := Verify(tok, []byte("other"), time.Minute); err != ErrInvalid {
		t.Errorf("wrong secret: expected ErrInvalid, got %v", err)
	}
}

func TestVerifyRejectsSwappedPayload(t *testing.T) {
	secret := []byte("s")
	a, _ := Generate(testClaims(), secret)
	other := testClaims()
	other.SessionID = "s-2"
	b, _ := Generate(other, secret)

	forged := strings.SplitN(b, ".", 2)[0] + "." + strings.SplitN(a, ".", 2)[1]
	if _, err := Verify(forged, secret, time.Minute); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestGenerateValidatesClaims(t *testing.T) {
	secret := []byte("s")

	missing := testClaims()
	missing.DisplayID = ""
	if _, err := Generate(missing, secret); err == nil {
		t.Fatal("expected error for missing display id")
	}

	long := testClaims()
	long.CampaignID = strings.Repeat("x", MaxIDLength+1)
	if _, err := Generate(long, secret); err == nil || !strings.Contains(err.Error(), "campaign_id too long") {
		t.Fatalf("expected length error, got %v", err)
	}

	exact := testClaims()
	exact.CampaignID = strings.Repeat("x", MaxIDLength)
	if _, err := Generate(exact, secret); err != nil {
		t.Fatalf("id at the limit should be accepted: %v", err)
	}
}
