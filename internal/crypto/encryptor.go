// Package crypto protects provider tokens kept in the session store.
package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor encrypts and decrypts short secrets such as refresh tokens.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSAPI is the subset of *kms.Client used by KMSEncryptor.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSEncryptor implements Encryptor with an AWS KMS key.
type KMSEncryptor struct {
	client KMSAPI
	keyID  string
}

// NewKMSEncryptor creates a KMSEncryptor. keyID may be a key ID, ARN or alias.
func NewKMSEncryptor(client KMSAPI, keyID string) *KMSEncryptor {
	return &KMSEncryptor{client: client, keyID: keyID}
}

// Encrypt returns base64 ciphertext. Empty input stays empty.
func (e *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(e.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt reverses Encrypt.
func (e *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(e.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}

const plainPrefix = "plain:"

// ErrNotPlain is returned when PlainEncryptor is given a value it did not produce.
var ErrNotPlain = errors.New("value was not produced by the plain encryptor")

// PlainEncryptor tags values without encrypting them. Used for the in-memory store and local development.
type PlainEncryptor struct{}

// Encrypt prefixes the plaintext.
func (PlainEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return plainPrefix + plaintext, nil
}

// Decrypt strips the prefix added by Encrypt.
func (PlainEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	value, ok := strings.CutPrefix(ciphertext, plainPrefix)
	if !ok {
		return "", ErrNotPlain
	}
	return value, nil
}
