// Package geoip resolves visitor IP addresses to ISO country codes for the
// country targeting rule.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Locator looks up countries in a MaxMind database or, when the file is not
// one, in a JSON list of CIDR blocks:
//
//	[{"net": "203.0.113.0/24", "country": "DE"}]
type Locator struct {
	db       *geoip2.Reader
	fallback []block
}

type block struct {
	net     *net.IPNet
	country string
}

// Open loads the database at path. An empty path yields a Locator that
// resolves nothing, leaving country targeting to the host-supplied value.
func Open(path string) (*Locator, error) {
	l := &Locator{}
	if path == "" {
		return l, nil
	}
	db, err := geoip2.Open(path)
	if err == nil {
		l.db = db
		return l, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
	}
	if jerr := json.Unmarshal(data, &entries); jerr != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	for _, e := range entries {
		_, n, perr := net.ParseCIDR(e.Net)
		if perr != nil {
			return nil, fmt.Errorf("geoip fallback entry %q: %w", e.Net, perr)
		}
		l.fallback = append(l.fallback, block{net: n, country: strings.ToUpper(e.Country)})
	}
	return l, nil
}

// Country returns the upper-case ISO 3166-1 alpha-2 code for ip, or "" when
// it is unknown.
func (l *Locator) Country(ip net.IP) string {
	if l == nil || ip == nil {
		return ""
	}
	if l.db != nil {
		if rec, err := l.db.Country(ip); err == nil && rec.Country.IsoCode != "" {
			return strings.ToUpper(rec.Country.IsoCode)
		}
	}
	for _, b := range l.fallback {
		if b.net.Contains(ip) {
			return b.country
		}
	}
	return ""
}

// Close releases the database.
func (l *Locator) Close() error {
	if l != nil && l.db != nil {
		return l.db.Close()
	}
	return nil
}
