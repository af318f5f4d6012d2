package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// KeySize длина ключа AES-256
const KeySize = 32

// SecretBox шифрует API-секреты бирж для хранения в БД (AES-256-GCM).
//
// Формат хранения: base64(nonce || ciphertext || tag).
// aad (associated data) привязывает шифротекст к владельцу: секрет,
// перенесённый в строку другого пользователя, не расшифруется.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox создаёт SecretBox. Ключ ровно 32 байта.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Seal шифрует plaintext, nonce случайный на каждый вызов
func (b *SecretBox) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open расшифровывает результат Seal с тем же aad
func (b *SecretBox) Open(encoded, aad string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns+b.aead.Overhead() {
		return "", ErrCiphertextTooShort
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// GenerateKey случайный ключ для ENCRYPTION_KEY: 24 байта в base64url,
// ровно KeySize печатных символов
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize*3/4)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateKey проверяет длину ключа
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKeyLength
	}
	return nil
}
