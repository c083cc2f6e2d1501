// AesCbc seals small payloads (stored credentials) with AES-256-CBC. The key is
// the SHA-256 of a passphrase; every sealed payload is "${iv}${ciphertext}"
// with a fresh random IV and PKCS#7 padding.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var ErrCiphertext = errors.New("malformed ciphertext")

type AesCbc struct {
	cipher cipher.Block
}

type AesCbcConfig struct {
	Passphrase string
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	if cfg.Passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	key := sha256.Sum256([]byte(cfg.Passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cipher: block,
	}, nil
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	sealed := make([]byte, size+len(payload))
	iv := sealed[:size]

	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}

	cipher.NewCBCEncrypter(c.cipher, iv).CryptBlocks(sealed[size:], payload)

	return sealed, nil
}

func (c *AesCbc) Decrypt(sealed []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	if len(sealed) < 2*size || len(sealed)%size != 0 {
		return nil, ErrCiphertext
	}

	iv, payload := sealed[:size], sealed[size:]
	decrypted := make([]byte, len(payload))

	cipher.NewCBCDecrypter(c.cipher, iv).CryptBlocks(decrypted, payload)

	plain, err := pkcs7pad.Unpad(decrypted)
	if err != nil {
		return nil, errors.Wrap(ErrCiphertext, err.Error())
	}

	return plain, nil
}
