package pay

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Unix(1717200000, 0)
	header := SignHeader(now.Unix(), body, testSecret)

	if err := VerifySignature(body, header, testSecret, 5*time.Minute, now); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifySignatureRejectsMutatedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Unix(1717200000, 0)
	header := SignHeader(now.Unix(), body, testSecret)

	mutated := append([]byte(nil), body...)
	mutated[len(mutated)-2] = 'X'
	if err := VerifySignature(mutated, header, testSecret, 0, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifySignatureRejectsOtherSecret(t *testing.T) {
	body := []byte(`{"type":"charge.refunded"}`)
	now := time.Unix(1717200000, 0)
	header := SignHeader(now.Unix(), body, "another_secret")

	if err := VerifySignature(body, header, testSecret, 0, now); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifySignatureAcceptsAnySlot(t *testing.T) {
	body := []byte(`{"type":"payment_intent.succeeded"}`)
	ts := int64(1717200000)
	good := ComputeSignature(ts, body, testSecret)
	stale := ComputeSignature(ts, body, "rotated_out")

	headers := []string{
		"t=1717200000,v1=" + good + ",v1=" + stale,
		"t=1717200000,v1=" + stale + ",v1=" + good,
		"t=1717200000,v0=abc,v1=nothex,v1=" + good,
	}
	for _, h := range headers {
		if err := VerifySignature(body, h, testSecret, 0, time.Unix(ts, 0)); err != nil {
			t.Fatalf("header %q: expected valid, got %v", h, err)
		}
	}
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	body := []byte(`{}`)
	for _, h := range []string{"", "t=123", "v1=abcd", "t=abc,v1=abcd", "garbage"} {
		if err := VerifySignature(body, h, testSecret, 0, time.Unix(123, 0)); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("header %q: expected ErrSignatureInvalid, got %v", h, err)
		}
	}
}

func TestVerifySignatureTolerance(t *testing.T) {
	body := []byte(`{"type":"checkout.session.expired"}`)
	signedAt := time.Unix(1717200000, 0)
	header := SignHeader(signedAt.Unix(), body, testSecret)

	if err := VerifySignature(body, header, testSecret, 5*time.Minute, signedAt.Add(4*time.Minute)); err != nil {
		t.Fatalf("expected signature within tolerance, got %v", err)
	}
	if err := VerifySignature(body, header, testSecret, 5*time.Minute, signedAt.Add(6*time.Minute)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if err := VerifySignature(body, header, testSecret, 0, signedAt.Add(24*time.Hour)); err != nil {
		t.Fatalf("zero tolerance disables the window, got %v", err)
	}
}
