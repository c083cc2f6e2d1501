// Store encrypts the device credentials using Crypto and writes them to a
// local file (see: Save()), and reads them back (see: Load()).
//
// The encrypted value is "${len(f1)}${f1}${len(f2)}${f2}..." with big-endian
// uint16 lengths, for the fields of Credentials in declaration order (see:
// writeField() and readField()). Access goes through an advisory lock on
// "${File}.lock" so concurrent CLI invocations never see a half-written file.

package credstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

var ErrNoCredentials = errors.New("no stored credentials")

type Credentials struct {
	DeviceID   string
	Token      string
	DeviceName string
	APIBase    string
}

func (c Credentials) Valid() bool {
	return c.DeviceID != "" && c.Token != ""
}

type Store struct {
	cfg StoreConfig

	crypto Crypto
	lock   *flock.Flock
}

type StoreConfig struct {
	File string
}

// DefaultFile is the credentials file under the user's config directory.
func DefaultFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "manyeyes", "credentials"), nil
}

func NewStore(cfg StoreConfig, crypto Crypto) *Store {
	return &Store{
		cfg:    cfg,
		crypto: crypto,
		lock:   flock.New(cfg.File + ".lock"),
	}
}

func (s *Store) Save(c Credentials) error {
	buf := &bytes.Buffer{}

	for _, field := range []string{c.DeviceID, c.Token, c.DeviceName, c.APIBase} {
		if err := writeField(buf, field); err != nil {
			return err
		}
	}

	encrypted, err := s.crypto.Encrypt(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "encrypt credentials")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.File), 0o700); err != nil {
		return err
	}

	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "lock credentials")
	}
	defer s.lock.Unlock()

	tmp := s.cfg.File + ".tmp"

	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, s.cfg.File)
}

func (s *Store) Load() (Credentials, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.File), 0o700); err != nil {
		return Credentials{}, err
	}

	if err := s.lock.RLock(); err != nil {
		return Credentials{}, errors.Wrap(err, "lock credentials")
	}

	payload, err := os.ReadFile(s.cfg.File)
	_ = s.lock.Unlock()

	if os.IsNotExist(err) {
		return Credentials{}, ErrNoCredentials
	}

	if err != nil {
		return Credentials{}, err
	}

	decrypted, err := s.crypto.Decrypt(payload)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "decrypt credentials")
	}

	buf := bytes.NewBuffer(decrypted)

	var c Credentials

	for _, field := range []*string{&c.DeviceID, &c.Token, &c.DeviceName, &c.APIBase} {
		if *field, err = readField(buf); err != nil {
			return Credentials{}, errors.Wrap(err, "parse credentials")
		}
	}

	return c, nil
}

// Clear removes stored credentials. Missing credentials are not an error.
func (s *Store) Clear() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.File), 0o700); err != nil {
		return err
	}

	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "lock credentials")
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.cfg.File); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func writeField(w io.Writer, field string) error {
	b := []byte(field)

	if len(b) > math.MaxUint16 {
		return errors.Errorf("credential field too long (%d bytes)", len(b))
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, b)
}

func readField(r io.Reader) (string, error) {
	var length uint16

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)

	return string(b), binary.Read(r, binary.BigEndian, b)
}
