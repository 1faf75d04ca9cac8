package chain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations follows the OWASP minimum for PBKDF2-HMAC-SHA256.
	kdfIterations = 480_000
	keystoreSalt  = 16
	keystoreKey   = 32
	keystoreVer   = 1
)

// keystoreFile is the on-disk format for an encrypted wallet key. The
// iteration count is stored so the parameters can be raised later without
// breaking existing files.
type keystoreFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource carries the information ResolveKey needs to produce the hot
// wallet key. Populate it from config.
type KeySource struct {
	// RawPrivateKey is the hex-encoded key (with or without 0x prefix). If
	// set it wins over the encrypted file.
	RawPrivateKey string
	// EncryptedKeyPath points at a file produced by EncryptKey.
	EncryptedKeyPath string
	// Password decrypts the file at EncryptedKeyPath.
	Password string
}

// EncryptKey seals a hex private key with a password using PBKDF2-HMAC-SHA256
// derivation and AES-256-GCM. The returned JSON is what ResolveKey expects on
// disk.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("chain: keystore password must not be empty")
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("chain: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, keystoreSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chain: generating salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, kdfIterations, keystoreKey, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("chain: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("chain: creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chain: generating nonce: %w", err)
	}

	out := keystoreFile{
		Version:    keystoreVer,
		KDF:        "pbkdf2-sha256",
		Iterations: kdfIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey and returns the hex key
// without 0x prefix.
func DecryptKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("chain: keystore password must not be empty")
	}
	var stored keystoreFile
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", fmt.Errorf("chain: parsing keystore file: %w", err)
	}
	if stored.Version != keystoreVer {
		return "", fmt.Errorf("chain: unsupported keystore version %d", stored.Version)
	}
	iterations := stored.Iterations
	if iterations == 0 {
		iterations = kdfIterations
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("chain: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("chain: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("chain: decoding ciphertext: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, keystoreKey, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return "", fmt.Errorf("chain: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("chain: creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("chain: keystore decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plaintext), nil
}

// ResolveKey produces the hex private key from a KeySource, preferring the
// raw key, then the encrypted file.
func ResolveKey(src KeySource) (string, error) {
	if src.RawPrivateKey != "" {
		k := strings.TrimPrefix(src.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("chain: raw private key is not valid hex: %w", err)
		}
		return k, nil
	}
	if src.EncryptedKeyPath != "" {
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("chain: reading keystore file: %w", err)
		}
		return DecryptKey(data, src.Password)
	}
	return "", errors.New("chain: no private key source configured")
}
