package agent

import (
	"regexp"
	"strings"
	"time"
)

// Algorithm identifies the HMAC hash used for code generation.
type Algorithm int

const (
	AlgorithmSHA1 Algorithm = iota + 1
	AlgorithmSHA256
	AlgorithmSHA512
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmSHA256:
		return "SHA256"
	case AlgorithmSHA512:
		return "SHA512"
	default:
		return "SHA1"
	}
}

// CredentialType distinguishes counter-based from time-based credentials.
type CredentialType int

const (
	TypeHOTP CredentialType = 1
	TypeTOTP CredentialType = 2
)

func (t CredentialType) String() string {
	if t == TypeHOTP {
		return "HOTP"
	}
	return "TOTP"
}

// ActionKind names the user-facing effect performed with a generated code.
type ActionKind string

const (
	ActionCopy ActionKind = "copy"
	ActionType ActionKind = "type"
)

// Credential is the static shape of one OATH credential as stored on a
// device. Only this shape is cached; generated codes are never persisted.
type Credential struct {
	Name          string // original name as stored on the device ("issuer:account")
	Issuer        string
	Account       string
	Period        int
	Algorithm     Algorithm
	Digits        int
	Type          CredentialType
	RequiresTouch bool
	DeviceID      string
}

// DisplayName returns the human-readable title used in notifications.
func (c Credential) DisplayName() string {
	if c.Issuer != "" && c.Account != "" {
		return c.Issuer + " (" + c.Account + ")"
	}
	if c.Issuer != "" {
		return c.Issuer
	}
	if c.Account != "" {
		return c.Account
	}
	return c.Name
}

// GeneratedCode is an ephemeral code for a credential. Never persisted.
type GeneratedCode struct {
	Code       string
	ValidUntil time.Time
}

// DeviceRecord is the persisted metadata for a device, created on first
// hot-plug detection and updated on reconnect, rename or forget.
type DeviceRecord struct {
	DeviceID         string
	Name             string
	RequiresPassword bool
	LastSeen         time.Time
	FirmwareVersion  string
	Model            string
	SerialNumber     uint32
	FormFactor       string
}

// DeviceMetadata is the static information a live session can report.
type DeviceMetadata struct {
	FirmwareVersion string
	Model           string
	SerialNumber    uint32
	FormFactor      string
}

// Device IDs are 64-bit identifiers rendered as 16 hex characters, e.g.
// "28b5c0b54ccb10db". Validated at the session boundary and again at the
// persistence boundary; malformed IDs must never reach storage.
var deviceIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// IsValidDeviceID reports whether id has the canonical device-id format.
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(strings.TrimSpace(id))
}
