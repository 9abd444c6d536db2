// Package token signs display plans so that confirmations (shown, discarded,
// clicked) cannot be forged to move another session's counters.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// MaxIDLength bounds every identifier embedded in a token.
const MaxIDLength = 128

// now is replaced in tests.
var now = time.Now

// Claims binds a display plan to the session that received it.
type Claims struct {
	WebsiteID  string
	SessionID  string
	CampaignID string
	DisplayID  string
	IssuedAt   time.Time
}

type payload struct {
	WebsiteID  string `json:"w"`
	SessionID  string `json:"s"`
	CampaignID string `json:"c"`
	DisplayID  string `json:"d"`
	TS         int64  `json:"t"`
}

func validateClaims(c Claims) error {
	fields := []struct {
		name, value string
	}{
		{"website_id", c.WebsiteID},
		{"session_id", c.SessionID},
		{"campaign_id", c.CampaignID},
		{"display_id", c.DisplayID},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if len(f.value) > MaxIDLength {
			return fmt.Errorf("%s too long: %d chars, max %d", f.name, len(f.value), MaxIDLength)
		}
	}
	return nil
}

// Generate creates a signed token for c. A zero IssuedAt is set to now.
func Generate(c Claims, secret []byte) (string, error) {
	if err := validateClaims(c); err != nil {
		return "", fmt.Errorf("claims validation failed: %w", err)
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = now()
	}
	pl := payload{
		WebsiteID:  c.WebsiteID,
		SessionID:  c.SessionID,
		CampaignID: c.CampaignID,
		DisplayID:  c.DisplayID,
		TS:         c.IssuedAt.Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token signature and age and returns its claims. A ttl of
// zero or less disables the age check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	var out Claims
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return out, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return out, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return out, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return out, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return out, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && now().Sub(issued) > ttl {
		return out, ErrExpired
	}
	return Claims{
		WebsiteID:  pl.WebsiteID,
		SessionID:  pl.SessionID,
		CampaignID: pl.CampaignID,
		DisplayID:  pl.DisplayID,
		IssuedAt:   issued,
	}, nil
}
