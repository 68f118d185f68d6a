package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// saltLen is the random salt length in bytes, regenerated per write.
	saltLen = 16

	// blobVersion tags the on-disk envelope format. Checked before any
	// decryption attempt so corruption is reported as such.
	blobVersion = 1
)

// Blob is the encrypted credential envelope written to durable storage.
// Ciphertext includes the AES-GCM authentication tag.
type Blob struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// DeriveKey derives a 32-byte encryption key from the passphrase and
// salt using scrypt. Parameters: N=32768, r=8, p=1. The passphrase is
// normalized to NFKC before hashing so visually identical input always
// derives the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to the cipher to limit the window
// during which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt seals plaintext under a key derived from the passphrase.
// A fresh random salt and IV are generated on every call, so identical
// plaintext never produces identical ciphertext.
func Encrypt(plaintext []byte, passphrase string) (*Blob, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	return &Blob{
		Version:    blobVersion,
		Salt:       salt,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt opens a blob with a key derived from the passphrase. Any
// tampering, corruption, or wrong-passphrase attempt fails with a
// DecryptionError; it is never silently treated as empty credentials.
func Decrypt(blob *Blob, passphrase string) ([]byte, error) {
	if blob.Version != blobVersion {
		return nil, apierr.Decryption(fmt.Errorf("unsupported blob version %d", blob.Version))
	}

	key, err := DeriveKey(passphrase, blob.Salt)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob.IV) != gcm.NonceSize() {
		return nil, apierr.Decryption(fmt.Errorf("invalid IV length %d", len(blob.IV)))
	}

	plaintext, err := gcm.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, apierr.Decryption(err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}
