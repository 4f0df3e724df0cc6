package pay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the header carrying the gateway signature.
const SignatureHeader = "Payment-Signature"

// ErrSignatureInvalid is returned when a webhook cannot be authenticated.
var ErrSignatureInvalid = errors.New("pay: signature invalid")

// SignedHeader is the parsed form of `t=<ts>,v1=<hex>,v1=<hex>`.
type SignedHeader struct {
	Timestamp  int64
	Signatures []string
}

// ParseSignatureHeader parses the signature header. Unknown schemes are
// skipped; a missing timestamp or no v1 entry is an error.
func ParseSignatureHeader(header string) (SignedHeader, error) {
	var (
		out   SignedHeader
		hasTS bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return SignedHeader{}, ErrSignatureInvalid
			}
			out.Timestamp = ts
			hasTS = true
		case "v1":
			if value != "" {
				out.Signatures = append(out.Signatures, value)
			}
		}
	}
	if !hasTS || len(out.Signatures) == 0 {
		return SignedHeader{}, ErrSignatureInvalid
	}
	return out, nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, "<ts>.<body>")).
func ComputeSignature(ts int64, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader builds a header value for body, as the gateway would.
func SignHeader(ts int64, body []byte, secret string) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + ComputeSignature(ts, body, secret)
}

// VerifySignature authenticates the raw body against the header. Every v1
// candidate is compared in constant time; any match is accepted. When
// tolerance is positive, timestamps further than tolerance from now are
// rejected.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return ErrSignatureInvalid
	}
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(parsed.Timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	matched := false
	for _, sig := range parsed.Signatures {
		sigBytes, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, sigBytes) {
			matched = true
		}
	}
	if !matched {
		return ErrSignatureInvalid
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(parsed.Timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return ErrSignatureInvalid
		}
	}
	return nil
}
