package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// header families understood by ParseHeaders
var headerFamilies = []struct {
	limit, remaining, reset string
	absoluteReset           bool
}{
	// x-ratelimit-reset-requests: 100ms | 2s | 6m0s
	{"x-ratelimit-limit-%s", "x-ratelimit-remaining-%s", "x-ratelimit-reset-%s", false},
	// anthropic-ratelimit-requests-reset: 2024-01-01T00:00:00Z
	{"anthropic-ratelimit-%s-limit", "anthropic-ratelimit-%s-remaining", "anthropic-ratelimit-%s-reset", true},
}

// ParseHeaders normalizes provider rate-limit response headers into an
// Observation. The boolean is false when no recognized header is present.
func ParseHeaders(h http.Header, now time.Time) (Observation, bool) {
	var obs Observation
	var exhaustedReset, anyReset time.Time

	for _, fam := range headerFamilies {
		for _, dim := range []string{"requests", "tokens"} {
			limitStr := h.Get(strings.Replace(fam.limit, "%s", dim, 1))
			remStr := h.Get(strings.Replace(fam.remaining, "%s", dim, 1))
			if limitStr == "" || remStr == "" {
				continue
			}
			limit, err := strconv.ParseInt(strings.TrimSpace(limitStr), 10, 64)
			if err != nil {
				continue
			}
			rem, err := strconv.ParseInt(strings.TrimSpace(remStr), 10, 64)
			if err != nil {
				continue
			}

			q := &Quota{Remaining: rem, Limit: limit}
			if dim == "requests" {
				obs.Requests = q
			} else {
				obs.Tokens = q
			}

			resetAt, ok := parseReset(h.Get(strings.Replace(fam.reset, "%s", dim, 1)), fam.absoluteReset, now)
			if !ok {
				continue
			}
			if resetAt.After(anyReset) {
				anyReset = resetAt
			}
			if rem <= 0 && resetAt.After(exhaustedReset) {
				exhaustedReset = resetAt
			}
		}
	}

	if obs.Requests == nil && obs.Tokens == nil {
		return Observation{}, false
	}

	// An exhausted dimension dictates the wait; otherwise keep the latest window edge.
	obs.ResetAt = anyReset
	if !exhaustedReset.IsZero() {
		obs.ResetAt = exhaustedReset
	}
	return obs, true
}

func parseReset(v string, absolute bool, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if absolute {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Some gateways send bare seconds.
		secs, serr := strconv.ParseFloat(v, 64)
		if serr != nil {
			return time.Time{}, false
		}
		d = time.Duration(secs * float64(time.Second))
	}
	return now.Add(d), true
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds or HTTP-date).
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
