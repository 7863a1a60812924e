package security_test

import (
	"strings"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/security"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("short secret"), nil)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello, world!")
	require.NoError(t, err)
	assert.NotEqual(t, "hello, world!", sealed)

	assert.True(t, strings.HasPrefix(sealed, "v1."), sealed)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello, world!", plain)

	again, err := enc.Encrypt("hello, world!")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per payload")
}

func TestEncryptorRejectsDamagedPayloads(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("k"), nil)
	require.NoError(t, err)
	sealed, err := enc.Encrypt("intact")
	require.NoError(t, err)

	// Swap one full base64 character inside the body.
	b := []byte(sealed)
	if b[10] == 'A' {
		b[10] = 'B'
	} else {
		b[10] = 'A'
	}
	tampered := string(b)

	for name, payload := range map[string]string{
		"tampered":   tampered,
		"truncated":  "v1.AAAA",
		"bad base64": "v1.***",
		"plain text": "hello",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := enc.Decrypt(payload)
			assert.ErrorIs(t, err, security.ErrUndecryptable)
		})
	}
}

func TestEncryptorRejectsForeignCiphertext(t *testing.T) {
	a, err := security.NewEncryptor([]byte("key-a"), nil)
	require.NoError(t, err)
	b, err := security.NewEncryptor([]byte("key-b"), nil)
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestEncryptorLegacyFernet(t *testing.T) {
	var legacy fernet.Key
	require.NoError(t, legacy.Generate())

	tok, err := fernet.EncryptAndSign([]byte("old message"), &legacy)
	require.NoError(t, err)

	enc, err := security.NewEncryptor([]byte("current"), []string{legacy.Encode()})
	require.NoError(t, err)

	plain, err := enc.Decrypt(string(tok))
	require.NoError(t, err)
	assert.Equal(t, "old message", plain)
}

func TestEncryptorPrimaryFernetKeyOpensTokens(t *testing.T) {
	var k fernet.Key
	require.NoError(t, k.Generate())
	tok, err := fernet.EncryptAndSign([]byte("from fernet"), &k)
	require.NoError(t, err)

	enc, err := security.NewEncryptor([]byte(k.Encode()), nil)
	require.NoError(t, err)
	plain, err := enc.Decrypt(string(tok))
	require.NoError(t, err)
	assert.Equal(t, "from fernet", plain)
}

func TestEncryptorEmptyKey(t *testing.T) {
	_, err := security.NewEncryptor(nil, nil)
	assert.Error(t, err)
}
