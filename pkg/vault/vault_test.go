package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyID  = "key-2026-01"
	testSecret = "master-secret-for-tests"
)

func TestNewValidation(t *testing.T) {
	_, err := New("", testSecret)
	assert.Error(t, err)

	_, err = New(testKeyID, "")
	assert.Error(t, err)

	v, err := New(testKeyID, testSecret)
	require.NoError(t, err)
	assert.Equal(t, testKeyID, v.ActiveKeyID())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKeyID, testSecret)
	require.NoError(t, err)

	plaintexts := []string{"", "hunter2", "p@ss with spaces", "ünïcode-секрет"}
	for _, plaintext := range plaintexts {
		cred, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, testKeyID, cred.KeyID)
		assert.NotContains(t, cred.Ciphertext, plaintext)

		got, err := v.Decrypt(cred)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptNoncesDiffer(t *testing.T) {
	v, err := New(testKeyID, testSecret)
	require.NoError(t, err)

	a, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptFailsClosed(t *testing.T) {
	v, err := New(testKeyID, testSecret)
	require.NoError(t, err)

	valid, err := v.Encrypt("secret")
	require.NoError(t, err)

	t.Run("wrong master secret", func(t *testing.T) {
		other, err := New(testKeyID, "a different master secret")
		require.NoError(t, err)

		_, err = other.Decrypt(valid)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		raw, err := base64.StdEncoding.DecodeString(valid.Ciphertext)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01

		tampered := EncryptedCredential{
			KeyID:      valid.KeyID,
			Ciphertext: base64.StdEncoding.EncodeToString(raw),
		}
		_, err = v.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := v.Decrypt(EncryptedCredential{KeyID: testKeyID, Ciphertext: "%%%"})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("too short", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("tiny"))
		_, err := v.Decrypt(EncryptedCredential{KeyID: testKeyID, Ciphertext: short})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestReencrypt(t *testing.T) {
	old, err := New("key-old", testSecret)
	require.NoError(t, err)

	cred, err := old.Encrypt("rotate-me")
	require.NoError(t, err)

	// Same master secret, new active key id.
	rotated, err := New("key-new", testSecret)
	require.NoError(t, err)

	fresh, err := rotated.Reencrypt(cred)
	require.NoError(t, err)
	assert.Equal(t, "key-new", fresh.KeyID)

	got, err := rotated.Decrypt(fresh)
	require.NoError(t, err)
	assert.Equal(t, "rotate-me", got)
}
