package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how old a signed webhook timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifyWebhookSignature checks a provider signature header of the form
// "t=<unix>,v1=<hex hmac>" against the raw payload. The expected signature is
// HMAC-SHA256 over "<t>.<payload>" with the shared signing secret, compared in
// constant time. A zero tolerance disables the timestamp check.
func VerifyWebhookSignature(payload []byte, signatureHeader, signingSecret string, tolerance time.Duration, now time.Time) bool {
	header := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(signingSecret)
	if header == "" || secret == "" {
		return false
	}

	timestamp, candidates := parseSignatureHeader(header)
	if timestamp == 0 || len(candidates) == 0 {
		return false
	}

	if tolerance > 0 {
		ts := time.Unix(timestamp, 0)
		if ts.Before(now.Add(-tolerance)) || ts.After(now.Add(tolerance)) {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(strings.ToLower(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	return false
}

func parseSignatureHeader(header string) (int64, []string) {
	var timestamp int64
	var candidates []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err == nil {
				timestamp = ts
			}
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	return timestamp, candidates
}
