// Package softkey implements the device session contract entirely in
// software. It backs test rigs and headless environments where no hardware
// key is attached: credentials live in memory, codes are computed with the
// standard OATH algorithms, and touch approval is an explicit method call.
package softkey

import (
	"context"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"

	"github.com/oathkey/agent"
)

type entry struct {
	cred    agent.Credential
	secret  string // base32
	counter uint64
}

// Key is one simulated security key. A Key outlives its sessions the same
// way hardware outlives card handles.
type Key struct {
	deviceID string
	meta     agent.DeviceMetadata

	mu       sync.Mutex
	password string
	entries  map[string]*entry
	touch    chan struct{}

	now func() time.Time
}

// NewKey creates a software key with the given 16-hex-digit device id.
func NewKey(deviceID string, meta agent.DeviceMetadata) (*Key, error) {
	if !agent.IsValidDeviceID(deviceID) {
		return nil, pkgerrors.Errorf("softkey: invalid device id %q", deviceID)
	}
	return &Key{
		deviceID: deviceID,
		meta:     meta,
		entries:  make(map[string]*entry),
		touch:    make(chan struct{}),
		now:      time.Now,
	}, nil
}

// SetRequiredPassword makes the key demand authentication before listing or
// generating. An empty password removes the requirement.
func (k *Key) SetRequiredPassword(password string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.password = password
}

// AddCredential registers a credential with its base32-encoded secret.
func (k *Key) AddCredential(cred agent.Credential, secret string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cred.DeviceID = k.deviceID
	k.entries[cred.Name] = &entry{cred: cred, secret: secret}
}

// RemoveCredential drops a credential by name.
func (k *Key) RemoveCredential(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, name)
}

// ApproveTouch unblocks one pending touch-gated generation. It blocks until
// a generation is waiting, so tests sequence it after the generate call.
func (k *Key) ApproveTouch() {
	k.touch <- struct{}{}
}

// Session opens a session bound to this key.
func (k *Key) Session() *Session {
	return &Session{key: k}
}

// Session is one handle on a software key. It tracks its own authentication
// state, matching how a card session forgets authentication on reconnect.
type Session struct {
	key *Key

	mu            sync.Mutex
	authenticated bool
	password      string
	closed        bool
}

var _ agent.Session = (*Session)(nil)

func (s *Session) Select(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	return s.key.deviceID, nil
}

func (s *Session) ListCredentials(ctx context.Context) ([]agent.Credential, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	// A locked key answers LIST with an empty set rather than an error, the
	// caller's completion handler classifies that.
	if s.locked() {
		return nil, nil
	}
	s.key.mu.Lock()
	defer s.key.mu.Unlock()
	creds := make([]agent.Credential, 0, len(s.key.entries))
	for _, e := range s.key.entries {
		creds = append(creds, e.cred)
	}
	return creds, nil
}

func (s *Session) GenerateCode(ctx context.Context, name string) (agent.GeneratedCode, error) {
	if err := s.alive(); err != nil {
		return agent.GeneratedCode{}, err
	}
	if s.locked() {
		return agent.GeneratedCode{}, agent.ErrAuthenticationRequired
	}

	s.key.mu.Lock()
	e, ok := s.key.entries[name]
	s.key.mu.Unlock()
	if !ok {
		return agent.GeneratedCode{}, pkgerrors.Wrap(agent.ErrCredentialNotFound, name)
	}

	if e.cred.RequiresTouch {
		select {
		case <-s.key.touch:
		case <-ctx.Done():
			return agent.GeneratedCode{}, pkgerrors.Wrap(ctx.Err(), "softkey: touch not approved")
		}
	}

	switch e.cred.Type {
	case agent.TypeHOTP:
		s.key.mu.Lock()
		e.counter++
		counter := e.counter
		s.key.mu.Unlock()
		code, err := hotp.GenerateCodeCustom(e.secret, counter, hotp.ValidateOpts{
			Digits:    otp.Digits(e.cred.Digits),
			Algorithm: otpAlgorithm(e.cred.Algorithm),
		})
		if err != nil {
			return agent.GeneratedCode{}, pkgerrors.Wrap(err, "softkey: hotp generate failed")
		}
		return agent.GeneratedCode{Code: code}, nil
	default:
		now := s.key.now()
		period := e.cred.Period
		if period <= 0 {
			period = 30
		}
		code, err := totp.GenerateCodeCustom(e.secret, now, totp.ValidateOpts{
			Period:    uint(period),
			Digits:    otp.Digits(e.cred.Digits),
			Algorithm: otpAlgorithm(e.cred.Algorithm),
		})
		if err != nil {
			return agent.GeneratedCode{}, pkgerrors.Wrap(err, "softkey: totp generate failed")
		}
		elapsed := now.Unix() % int64(period)
		validUntil := now.Add(time.Duration(int64(period)-elapsed) * time.Second)
		return agent.GeneratedCode{Code: code, ValidUntil: validUntil}, nil
	}
}

func (s *Session) Authenticate(ctx context.Context, password string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.key.mu.Lock()
	required := s.key.password
	s.key.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if required == "" {
		s.authenticated = true
		return nil
	}
	if password != required {
		s.authenticated = false
		return pkgerrors.New("softkey: wrong password")
	}
	s.authenticated = true
	return nil
}

func (s *Session) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

func (s *Session) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != ""
}

func (s *Session) Metadata() agent.DeviceMetadata {
	return s.key.meta
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkgerrors.New("softkey: session closed")
	}
	return nil
}

func (s *Session) locked() bool {
	s.key.mu.Lock()
	required := s.key.password != ""
	s.key.mu.Unlock()
	if !required {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.authenticated
}

func otpAlgorithm(a agent.Algorithm) otp.Algorithm {
	switch a {
	case agent.AlgorithmSHA256:
		return otp.AlgorithmSHA256
	case agent.AlgorithmSHA512:
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

// Dialer hands out sessions for software keys by reader name, so the full
// coordination stack can run against simulated hardware.
type Dialer struct {
	mu       sync.Mutex
	keys     map[string]*Key
	gen      uint32
	watchers []chan struct{}
}

var _ agent.SessionDialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{keys: make(map[string]*Key)}
}

// Attach binds a key to a reader name.
func (d *Dialer) Attach(readerName string, key *Key) {
	d.mu.Lock()
	d.keys[readerName] = key
	d.gen++
	d.mu.Unlock()
	d.notify()
}

// Detach unbinds the reader; existing sessions keep working until closed.
func (d *Dialer) Detach(readerName string) {
	d.mu.Lock()
	delete(d.keys, readerName)
	d.gen++
	d.mu.Unlock()
	d.notify()
}

// Readers returns the attached reader names in sorted order.
func (d *Dialer) Readers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	readers := make([]string, 0, len(d.keys))
	for name := range d.keys {
		readers = append(readers, name)
	}
	sort.Strings(readers)
	return readers
}

func (d *Dialer) attached(readerName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[readerName]
	return ok
}

func (d *Dialer) generation() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

func (d *Dialer) subscribe(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers = append(d.watchers, ch)
}

func (d *Dialer) notify() {
	d.mu.Lock()
	watchers := append([]chan struct{}(nil), d.watchers...)
	d.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (d *Dialer) Dial(readerName string) (agent.Session, error) {
	d.mu.Lock()
	key, ok := d.keys[readerName]
	d.mu.Unlock()
	if !ok {
		return nil, pkgerrors.Errorf("softkey: no key attached to reader %q", readerName)
	}
	return key.Session(), nil
}
