// Package transit implements the asymmetric transport cipher protecting
// secrets between the originating client and the server process. Clients
// fetch the current public key, seal the secret against it, and the server
// recovers the plaintext exactly once at ingestion time. Nothing here is
// used for at-rest protection; that is the barrier's job.
package transit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultKeyBits is the RSA modulus size for generated keypairs.
	DefaultKeyBits = 2048

	// sessionKeySize is the AES-256 session key length used by the
	// hybrid envelope.
	sessionKeySize = 32
)

// DecryptionError reports a transport decryption failure. It never carries
// ciphertext or key material.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "transport decryption failed: " + e.Reason
}

// Keypair holds the process-wide RSA transport keypair. The private key
// never crosses the process boundary; rotation is an operator restart with
// fresh PEM material.
type Keypair struct {
	private *rsa.PrivateKey
}

// Generate creates a new transport keypair. Sizes below 2048 bits are
// rounded up.
func Generate(bits int) (*Keypair, error) {
	if bits < DefaultKeyBits {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transport keypair: %w", err)
	}
	return &Keypair{private: key}, nil
}

// LoadPEM parses a PKCS#8 or PKCS#1 encoded RSA private key.
func LoadPEM(pemBytes []byte) (*Keypair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in transport key material")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Keypair{private: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transport private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("transport key must be RSA, got %T", parsed)
	}
	return &Keypair{private: rsaKey}, nil
}

// PublicKeyPEM returns the public half as SubjectPublicKeyInfo PEM, the
// form handed to clients.
func (k *Keypair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transport public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivatePEM returns the private key as PKCS#8 PEM for operators
// persisting a generated keypair.
func (k *Keypair) EncodePrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// RawCapacity returns the maximum plaintext length a raw OAEP ciphertext
// can carry under this keypair. Secrets beyond this bound must use the
// hybrid envelope, which has no length limit.
func (k *Keypair) RawCapacity() int {
	return k.private.PublicKey.Size() - 2*sha256.Size - 2
}

// envelope is the hybrid wire form: an AES-256-GCM session key wrapped with
// RSA-OAEP(SHA-256), and the secret sealed under the session key. All fields
// are standard base64.
type envelope struct {
	WrappedKey string `json:"wrapped_key"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Decrypt recovers a secret from its base64 transport ciphertext. Two wire
// forms are accepted: the hybrid JSON envelope, and a raw RSA-OAEP(SHA-256)
// ciphertext for secrets within RawCapacity (the form the browser's
// WebCrypto produces directly).
func (k *Keypair) Decrypt(ciphertextB64 string) ([]byte, error) {
	if k == nil || k.private == nil {
		panic("transit: decrypt called without a private key")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, &DecryptionError{Reason: "ciphertext is not valid base64"}
	}
	if len(raw) == 0 {
		return nil, &DecryptionError{Reason: "ciphertext is empty"}
	}

	if raw[0] == '{' {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &DecryptionError{Reason: "malformed hybrid envelope"}
		}
		return k.decryptEnvelope(&env)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, raw, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "ciphertext does not match the current transport key"}
	}
	return plaintext, nil
}

func (k *Keypair) decryptEnvelope(env *envelope) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed hybrid envelope"}
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed hybrid envelope"}
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed hybrid envelope"}
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, wrapped, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "session key does not match the current transport key"}
	}
	if len(sessionKey) != sessionKeySize {
		return nil, &DecryptionError{Reason: "session key has unexpected length"}
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, &DecryptionError{Reason: "session key is unusable"}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &DecryptionError{Reason: "session key is unusable"}
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, &DecryptionError{Reason: "nonce has unexpected length"}
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "envelope is truncated or tampered"}
	}
	return plaintext, nil
}

// EncryptForTransport seals a secret against a transport public key using
// the hybrid envelope. Used by Go clients and by tests; browser clients
// build the same structure with WebCrypto.
func EncryptForTransport(publicKeyPEM string, secret []byte) (string, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return "", errors.New("no PEM block found in transport public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse transport public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("transport public key must be RSA, got %T", parsed)
	}

	sessionKey := make([]byte, sessionKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return "", err
	}

	cipherBlock, err := aes.NewCipher(sessionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(cipherBlock)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, secret, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap session key: %w", err)
	}

	payload, err := json.Marshal(&envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}
