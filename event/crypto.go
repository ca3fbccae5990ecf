package event

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// EncryptContent encrypts plaintext for the holder of peerPubKey using
// the NIP-04 shared secret derived from our secret key.
func EncryptContent(secretKey, peerPubKey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubKey, secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return ciphertext, nil
}

// DecryptContent decrypts a NIP-04 payload produced by the holder of
// peerPubKey for our secret key.
func DecryptContent(secretKey, peerPubKey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubKey, secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
