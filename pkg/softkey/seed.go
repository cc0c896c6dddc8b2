package softkey

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/oathkey/agent"
)

// SeedCredential describes one credential in a seed file. Secret is the
// base32-encoded shared secret.
type SeedCredential struct {
	Name          string `json:"name,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	Account       string `json:"account,omitempty"`
	Secret        string `json:"secret"`
	Period        int    `json:"period,omitempty"`
	Digits        int    `json:"digits,omitempty"`
	Type          string `json:"type,omitempty"`      // totp (default) or hotp
	Algorithm     string `json:"algorithm,omitempty"` // SHA1 (default), SHA256, SHA512
	RequiresTouch bool   `json:"requiresTouch,omitempty"`
}

// SeedKey describes one software key in a seed file.
type SeedKey struct {
	DeviceID    string           `json:"deviceId"`
	Reader      string           `json:"reader,omitempty"`
	Password    string           `json:"password,omitempty"`
	Model       string           `json:"model,omitempty"`
	Firmware    string           `json:"firmware,omitempty"`
	Credentials []SeedCredential `json:"credentials"`
}

// DialerFromSeedFile reads a JSON array of SeedKey and returns a dialer with
// every key attached.
func DialerFromSeedFile(path string) (*Dialer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read softkey seed file failed")
	}

	var seeds []SeedKey
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, pkgerrors.Wrapf(err, "parse softkey seed file %s failed", path)
	}

	dialer := NewDialer()
	for i, seed := range seeds {
		key, err := buildKey(seed)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "seed key %d", i)
		}
		reader := seed.Reader
		if reader == "" {
			reader = fmt.Sprintf("Soft Key %s", seed.DeviceID)
		}
		dialer.Attach(reader, key)
	}
	return dialer, nil
}

func buildKey(seed SeedKey) (*Key, error) {
	model := seed.Model
	if model == "" {
		model = "Software Key"
	}
	key, err := NewKey(seed.DeviceID, agent.DeviceMetadata{
		Model:           model,
		FirmwareVersion: seed.Firmware,
	})
	if err != nil {
		return nil, err
	}
	key.SetRequiredPassword(seed.Password)

	for _, sc := range seed.Credentials {
		cred, err := seedCredential(sc)
		if err != nil {
			return nil, err
		}
		key.AddCredential(cred, sc.Secret)
	}
	return key, nil
}

func seedCredential(sc SeedCredential) (agent.Credential, error) {
	if sc.Secret == "" {
		return agent.Credential{}, pkgerrors.New("credential secret is required")
	}

	cred := agent.Credential{
		Name:          sc.Name,
		Issuer:        sc.Issuer,
		Account:       sc.Account,
		Period:        sc.Period,
		Digits:        sc.Digits,
		RequiresTouch: sc.RequiresTouch,
	}
	if cred.Name == "" {
		switch {
		case cred.Issuer != "" && cred.Account != "":
			cred.Name = cred.Issuer + ":" + cred.Account
		case cred.Issuer != "":
			cred.Name = cred.Issuer
		case cred.Account != "":
			cred.Name = cred.Account
		default:
			return agent.Credential{}, pkgerrors.New("credential needs a name, issuer or account")
		}
	}
	if cred.Digits <= 0 {
		cred.Digits = 6
	}

	switch strings.ToLower(sc.Type) {
	case "", "totp":
		cred.Type = agent.TypeTOTP
		if cred.Period <= 0 {
			cred.Period = 30
		}
	case "hotp":
		cred.Type = agent.TypeHOTP
	default:
		return agent.Credential{}, pkgerrors.Errorf("unknown credential type %q", sc.Type)
	}

	switch strings.ToUpper(sc.Algorithm) {
	case "", "SHA1":
		cred.Algorithm = agent.AlgorithmSHA1
	case "SHA256":
		cred.Algorithm = agent.AlgorithmSHA256
	case "SHA512":
		cred.Algorithm = agent.AlgorithmSHA512
	default:
		return agent.Credential{}, pkgerrors.Errorf("unknown algorithm %q", sc.Algorithm)
	}
	return cred, nil
}
