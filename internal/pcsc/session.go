package pcsc

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/oathkey/agent"
)

// OATH applet AID and instruction set.
var oathAID = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

const (
	insSelect        = 0xa4
	insCalculate     = 0xa2
	insValidate      = 0xa3
	insCalculateAll  = 0xa4
	insSendRemaining = 0xa5

	tagName      = 0x71
	tagChallenge = 0x74
	tagResponse  = 0x75
	tagTruncated = 0x76
	tagHOTP      = 0x77
	tagVersion   = 0x79
	tagAlgorithm = 0x7b
	tagTouch     = 0x7c

	swOK           = 0x9000
	swMoreDataHigh = 0x61
	swAuthRequired = 0x6982
	swNotFound     = 0x6984

	typeHOTP = 0x10
	typeTOTP = 0x20

	pbkdf2Iterations = 1000
	derivedKeyLen    = 16
)

const defaultPeriod = 30

// Dialer opens OATH sessions on PC/SC readers.
type Dialer struct {
	ctx *scard.Context
}

var _ agent.SessionDialer = (*Dialer)(nil)

// NewDialer establishes a dedicated PC/SC context for card connections,
// separate from the status-wait context so a blocked wait never stalls a
// connect.
func NewDialer() (*Dialer, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pcsc: establish dialer context failed")
	}
	return &Dialer{ctx: ctx}, nil
}

func (d *Dialer) Dial(readerName string) (agent.Session, error) {
	card, err := d.ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, mapError(err, "pcsc: connect to reader failed")
	}
	return &CardSession{card: card, now: time.Now}, nil
}

// Release tears down the dialer's PC/SC context.
func (d *Dialer) Release() error {
	if err := d.ctx.Release(); err != nil {
		return pkgerrors.Wrap(err, "pcsc: release dialer context failed")
	}
	return nil
}

// CardSession speaks the OATH applet protocol over one card handle.
type CardSession struct {
	card *scard.Card
	now  func() time.Time

	mu        sync.Mutex
	deviceID  string
	salt      []byte // raw id bytes from SELECT, the PBKDF2 salt
	challenge []byte // non-nil when the applet demands authentication
	version   string
	password  string
}

var _ agent.Session = (*CardSession)(nil)

// Select activates the OATH applet and derives the device id from the
// response. Must be called before any other operation.
func (s *CardSession) Select(ctx context.Context) (string, error) {
	apdu := buildAPDU(insSelect, 0x04, 0x00, oathAID)
	data, err := s.transmit(apdu)
	if err != nil {
		return "", pkgerrors.Wrap(err, "pcsc: select oath applet failed")
	}

	tlvs, err := parseTLVs(data)
	if err != nil {
		return "", pkgerrors.Wrap(err, "pcsc: parse select response failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := tlvs[tagName]
	if !ok || len(id) == 0 {
		return "", pkgerrors.New("pcsc: select response carries no device id")
	}
	s.salt = id
	s.deviceID = hex.EncodeToString(id)
	if !agent.IsValidDeviceID(s.deviceID) {
		return "", pkgerrors.Errorf("pcsc: derived device id %q is malformed", s.deviceID)
	}
	if version, ok := tlvs[tagVersion]; ok && len(version) == 3 {
		s.version = fmt.Sprintf("%d.%d.%d", version[0], version[1], version[2])
	}
	s.challenge = tlvs[tagChallenge] // nil when no password is set

	log.Debug().
		Str("device_id", s.deviceID).
		Str("firmware", s.version).
		Bool("password_protected", s.challenge != nil).
		Msg("oath applet selected")
	return s.deviceID, nil
}

// ListCredentials runs CALCULATE ALL, which is the only way to learn the
// touch requirement per credential. Codes in the response are discarded;
// GenerateCode fetches fresh ones.
func (s *CardSession) ListCredentials(ctx context.Context) ([]agent.Credential, error) {
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	if deviceID == "" {
		return nil, pkgerrors.New("pcsc: session not selected")
	}

	challenge := s.totpChallenge(defaultPeriod)
	apdu := buildAPDU(insCalculateAll, 0x00, 0x01, encodeTLV(tagChallenge, challenge))
	data, err := s.transmit(apdu)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pcsc: calculate all failed")
	}

	var creds []agent.Credential
	rest := data
	for len(rest) > 0 {
		tag, value, remaining, err := nextTLV(rest)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "pcsc: parse credential list failed")
		}
		rest = remaining
		if tag != tagName {
			continue
		}
		cred := parseCredentialName(string(value))
		cred.DeviceID = deviceID

		// The entry following the name describes the credential.
		if len(rest) > 0 {
			tag, value, remaining, err = nextTLV(rest)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "pcsc: parse credential entry failed")
			}
			rest = remaining
			switch tag {
			case tagTouch:
				cred.RequiresTouch = true
				cred.Type = agent.TypeTOTP
				cred.Digits = 6
			case tagHOTP:
				cred.Type = agent.TypeHOTP
				cred.Digits = 6
			case tagTruncated, tagResponse:
				cred.Type = agent.TypeTOTP
				if len(value) > 0 {
					cred.Digits = int(value[0])
				}
			}
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// GenerateCode runs CALCULATE for a single credential. Touch-gated
// credentials block inside the card until the user touches or the applet
// gives up.
func (s *CardSession) GenerateCode(ctx context.Context, name string) (agent.GeneratedCode, error) {
	cred := parseCredentialName(name)
	period := cred.Period
	if period <= 0 {
		period = defaultPeriod
	}

	data := append(encodeTLV(tagName, []byte(name)), encodeTLV(tagChallenge, s.totpChallenge(period))...)
	apdu := buildAPDU(insCalculate, 0x00, 0x01, data)
	resp, err := s.transmit(apdu)
	if err != nil {
		return agent.GeneratedCode{}, pkgerrors.Wrapf(err, "pcsc: calculate %q failed", name)
	}

	tlvs, err := parseTLVs(resp)
	if err != nil {
		return agent.GeneratedCode{}, pkgerrors.Wrap(err, "pcsc: parse calculate response failed")
	}
	truncated, ok := tlvs[tagTruncated]
	if !ok || len(truncated) < 5 {
		return agent.GeneratedCode{}, pkgerrors.New("pcsc: calculate response carries no code")
	}

	digits := clampDigits(int(truncated[0]))
	raw := binary.BigEndian.Uint32(truncated[1:5]) & 0x7fffffff
	code := fmt.Sprintf("%0*d", digits, raw%pow10(digits))

	now := s.now()
	elapsed := now.Unix() % int64(period)
	return agent.GeneratedCode{
		Code:       code,
		ValidUntil: now.Add(time.Duration(int64(period)-elapsed) * time.Second),
	}, nil
}

// Authenticate answers the applet's SELECT challenge with a key derived from
// the password (PBKDF2-SHA1, the device id bytes as salt) and verifies the
// applet's response to our own challenge.
func (s *CardSession) Authenticate(ctx context.Context, password string) error {
	s.mu.Lock()
	cardChallenge := s.challenge
	salt := s.salt
	s.mu.Unlock()

	if cardChallenge == nil {
		return nil // applet is not password protected
	}
	if len(salt) == 0 {
		return pkgerrors.New("pcsc: session not selected")
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLen, sha1.New)

	mac := hmac.New(sha1.New, key)
	mac.Write(cardChallenge)
	response := mac.Sum(nil)

	ourChallenge := make([]byte, 8)
	if _, err := rand.Read(ourChallenge); err != nil {
		return pkgerrors.Wrap(err, "pcsc: generate challenge failed")
	}

	data := append(encodeTLV(tagResponse, response), encodeTLV(tagChallenge, ourChallenge)...)
	resp, err := s.transmit(buildAPDU(insValidate, 0x00, 0x00, data))
	if err != nil {
		return pkgerrors.Wrap(err, "pcsc: validate failed")
	}

	tlvs, err := parseTLVs(resp)
	if err != nil {
		return pkgerrors.Wrap(err, "pcsc: parse validate response failed")
	}
	mac = hmac.New(sha1.New, key)
	mac.Write(ourChallenge)
	if !hmac.Equal(tlvs[tagResponse], mac.Sum(nil)) {
		return pkgerrors.New("pcsc: applet response verification failed")
	}

	s.mu.Lock()
	s.challenge = nil
	s.password = password
	s.mu.Unlock()
	return nil
}

func (s *CardSession) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

func (s *CardSession) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != ""
}

func (s *CardSession) Metadata() agent.DeviceMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return agent.DeviceMetadata{
		FirmwareVersion: s.version,
		Model:           "YubiKey OATH",
	}
}

func (s *CardSession) Close() error {
	if err := s.card.Disconnect(scard.LeaveCard); err != nil {
		return mapError(err, "pcsc: disconnect failed")
	}
	return nil
}

// totpChallenge is the 8-byte big-endian time counter for the given period.
func (s *CardSession) totpChallenge(period int) []byte {
	challenge := make([]byte, 8)
	binary.BigEndian.PutUint64(challenge, uint64(s.now().Unix()/int64(period)))
	return challenge
}

// transmit sends one APDU, drains continuation responses and maps status
// words to sentinel errors.
func (s *CardSession) transmit(apdu []byte) ([]byte, error) {
	resp, err := s.card.Transmit(apdu)
	if err != nil {
		return nil, mapError(err, "pcsc: transmit failed")
	}

	var data []byte
	for {
		if len(resp) < 2 {
			return nil, pkgerrors.New("pcsc: short card response")
		}
		sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
		data = append(data, resp[:len(resp)-2]...)

		if sw1 == swMoreDataHigh {
			resp, err = s.card.Transmit([]byte{0x00, insSendRemaining, 0x00, 0x00})
			if err != nil {
				return nil, mapError(err, "pcsc: send remaining failed")
			}
			continue
		}

		switch sw := uint16(sw1)<<8 | uint16(sw2); sw {
		case swOK:
			return data, nil
		case swAuthRequired:
			return nil, agent.ErrAuthenticationRequired
		case swNotFound:
			return nil, agent.ErrCredentialNotFound
		default:
			return nil, pkgerrors.Errorf("pcsc: card returned status %04x", sw)
		}
	}
}

// parseCredentialName splits the applet's stored name into period, issuer
// and account: "period/issuer:account" with both prefixes optional.
func parseCredentialName(name string) agent.Credential {
	cred := agent.Credential{Name: name, Period: defaultPeriod, Type: agent.TypeTOTP, Algorithm: agent.AlgorithmSHA1, Digits: 6}
	rest := name
	if idx := strings.Index(rest, "/"); idx > 0 {
		if period, err := strconv.Atoi(rest[:idx]); err == nil && period > 0 {
			cred.Period = period
			rest = rest[idx+1:]
		}
	}
	if idx := strings.Index(rest, ":"); idx >= 0 {
		cred.Issuer = rest[:idx]
		cred.Account = rest[idx+1:]
	} else {
		cred.Account = rest
	}
	return cred
}

func buildAPDU(ins, p1, p2 byte, data []byte) []byte {
	apdu := []byte{0x00, ins, p1, p2, byte(len(data))}
	return append(apdu, data...)
}

func encodeTLV(tag byte, value []byte) []byte {
	out := []byte{tag, byte(len(value))}
	return append(out, value...)
}

// parseTLVs reads a flat TLV sequence into a tag-keyed map. Later values win
// for repeated tags, which no response we parse this way produces.
func parseTLVs(data []byte) (map[byte][]byte, error) {
	tlvs := make(map[byte][]byte)
	rest := data
	for len(rest) > 0 {
		tag, value, remaining, err := nextTLV(rest)
		if err != nil {
			return nil, err
		}
		tlvs[tag] = value
		rest = remaining
	}
	return tlvs, nil
}

func nextTLV(data []byte) (tag byte, value, rest []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil, pkgerrors.New("pcsc: truncated tlv header")
	}
	tag = data[0]
	length := int(data[1])
	offset := 2
	switch {
	case length == 0x81:
		if len(data) < 3 {
			return 0, nil, nil, pkgerrors.New("pcsc: truncated extended length")
		}
		length = int(data[2])
		offset = 3
	case length == 0x82:
		if len(data) < 4 {
			return 0, nil, nil, pkgerrors.New("pcsc: truncated extended length")
		}
		length = int(binary.BigEndian.Uint16(data[2:4]))
		offset = 4
	}
	if len(data) < offset+length {
		return 0, nil, nil, pkgerrors.Errorf("pcsc: tlv %02x value truncated", tag)
	}
	return tag, data[offset : offset+length], data[offset+length:], nil
}

// clampDigits bounds a card-reported digit count to the OATH range, so a
// misbehaving applet cannot overflow the truncation modulus.
func clampDigits(n int) int {
	if n < 6 {
		return 6
	}
	if n > 8 {
		return 8
	}
	return n
}

func pow10(n int) uint32 {
	result := uint32(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}
