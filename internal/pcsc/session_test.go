package pcsc

import (
	"bytes"
	"testing"
	"time"

	"github.com/oathkey/agent"
)

func TestParseCredentialName(t *testing.T) {
	cases := []struct {
		name    string
		issuer  string
		account string
		period  int
	}{
		{"GitHub:alice", "GitHub", "alice", 30},
		{"60/GitHub:alice", "GitHub", "alice", 60},
		{"alice@example.com", "", "alice@example.com", 30},
		{"45/standalone", "", "standalone", 45},
		{"Steam:alice:work", "Steam", "alice:work", 30},
	}
	for _, tc := range cases {
		cred := parseCredentialName(tc.name)
		if cred.Name != tc.name {
			t.Errorf("%q: name mangled to %q", tc.name, cred.Name)
		}
		if cred.Issuer != tc.issuer || cred.Account != tc.account || cred.Period != tc.period {
			t.Errorf("%q: got issuer=%q account=%q period=%d, want %q/%q/%d",
				tc.name, cred.Issuer, cred.Account, cred.Period, tc.issuer, tc.account, tc.period)
		}
		if cred.Type != agent.TypeTOTP {
			t.Errorf("%q: default type should be TOTP", tc.name)
		}
	}
}

func TestTLVRoundTrip(t *testing.T) {
	payload := append(encodeTLV(tagName, []byte{0x01, 0x02}), encodeTLV(tagChallenge, []byte{0xaa})...)
	tlvs, err := parseTLVs(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(tlvs[tagName], []byte{0x01, 0x02}) {
		t.Fatalf("name tlv mismatch: %x", tlvs[tagName])
	}
	if !bytes.Equal(tlvs[tagChallenge], []byte{0xaa}) {
		t.Fatalf("challenge tlv mismatch: %x", tlvs[tagChallenge])
	}
}

func TestTLVExtendedLength(t *testing.T) {
	value := make([]byte, 0x90)
	for i := range value {
		value[i] = byte(i)
	}
	payload := append([]byte{tagName, 0x81, 0x90}, value...)
	tag, got, rest, err := nextTLV(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tag != tagName || !bytes.Equal(got, value) || len(rest) != 0 {
		t.Fatalf("extended length parse mismatch: tag=%02x len=%d rest=%d", tag, len(got), len(rest))
	}
}

func TestTLVTruncatedValue(t *testing.T) {
	if _, _, _, err := nextTLV([]byte{tagName, 0x05, 0x01}); err == nil {
		t.Fatal("truncated value accepted")
	}
	if _, _, _, err := nextTLV([]byte{tagName}); err == nil {
		t.Fatal("truncated header accepted")
	}
}

func TestBuildAPDU(t *testing.T) {
	apdu := buildAPDU(insSelect, 0x04, 0x00, oathAID)
	want := append([]byte{0x00, 0xa4, 0x04, 0x00, 0x07}, oathAID...)
	if !bytes.Equal(apdu, want) {
		t.Fatalf("got % x, want % x", apdu, want)
	}
}

func TestTOTPChallenge(t *testing.T) {
	s := &CardSession{now: func() time.Time { return time.Unix(59, 0) }}
	challenge := s.totpChallenge(30)
	// 59 / 30 = counter 1.
	want := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(challenge, want) {
		t.Fatalf("got % x, want % x", challenge, want)
	}
}

func TestClampDigits(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 6},
		{5, 6},
		{6, 6},
		{7, 7},
		{8, 8},
		{9, 8}, // pow10(9) overflows uint32
		{255, 8},
	}
	for _, tc := range cases {
		if got := clampDigits(tc.in); got != tc.want {
			t.Errorf("clampDigits(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
