package cache

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// KeyInput is the request material that identifies a cached response.
type KeyInput struct {
	Lat     *float64
	Lng     *float64
	Address string
	Params  map[string]string
}

var folder = cases.Fold()

// Key returns the SHA-256 hex of the normalized request for provider.
// Coordinates are rounded to 5 decimals (about 1 m), addresses are NFKC
// normalized, case folded and whitespace collapsed, and params are sorted.
func Key(provider string, in KeyInput) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(provider)))
	b.WriteByte('|')
	if in.Lat != nil && in.Lng != nil {
		fmt.Fprintf(&b, "%.5f,%.5f", roundCoord(*in.Lat), roundCoord(*in.Lng))
	}
	b.WriteByte('|')
	b.WriteString(NormalizeAddress(in.Address))
	b.WriteByte('|')
	if len(in.Params) > 0 {
		keys := make([]string, 0, len(in.Params))
		for k := range in.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(in.Params[k])
		}
	}
	h := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", h)
}

// roundCoord rounds to 5 decimals. Values that round to zero from below
// come back as positive zero so they format as "0.00000".
func roundCoord(v float64) float64 {
	r := math.Round(v*1e5) / 1e5
	if r == 0 {
		return 0
	}
	return r
}

// NormalizeAddress canonicalizes a free-form address for key derivation.
func NormalizeAddress(addr string) string {
	s := norm.NFKC.String(addr)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}
