package vault

import (
	"crypto/x509"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testKey = []byte("thisis32byteslongsecretkey123456")

func TestEncryptDecrypt(t *testing.T) {
	ciphertext, err := Encrypt("bridge-token-42", testKey)
	require.NoError(t, err)
	require.NotContains(t, ciphertext, "bridge-token-42")

	again, err := Encrypt("bridge-token-42", testKey)
	require.NoError(t, err)
	require.NotEqual(t, ciphertext, again, "nonce must differ per call")

	plain, err := Decrypt(ciphertext, testKey)
	require.NoError(t, err)
	require.Equal(t, "bridge-token-42", plain)
}

func TestDecryptFailures(t *testing.T) {
	ciphertext, err := Encrypt("redis-password", testKey)
	require.NoError(t, err)

	tests := []struct {
		name   string
		input  string
		key    []byte
		errMsg string
	}{
		{"wrong key", ciphertext, []byte("another32byteslongsecretkey65432"), "wrong key"},
		{"short key", ciphertext, []byte("shortkey"), "invalid key"},
		{"malformed hex", "not-hex", testKey, "malformed"},
		{"too short", "abcdef", testKey, "too short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.input, tt.key)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}

	_, err = Encrypt("x", []byte("shortkey"))
	require.Error(t, err)
}

func TestSealReveal(t *testing.T) {
	sealed, err := Seal("s3cret", testKey)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, SealedPrefix))

	plain, err := Reveal(sealed, testKey)
	require.NoError(t, err)
	require.Equal(t, "s3cret", plain)

	// Plain values pass through untouched
	plain, err = Reveal("postgres://ussd@localhost/ussd", nil)
	require.NoError(t, err)
	require.Equal(t, "postgres://ussd@localhost/ussd", plain)

	_, err = Reveal(sealed, nil)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(string(testKey))
	require.NoError(t, err)
	require.Equal(t, testKey, key)

	key, err = ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.Len(t, key, 32)

	_, err = ParseKey("short")
	require.Error(t, err)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.NotNil(t, cert.PrivateKey)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.NoError(t, leaf.VerifyHostname("localhost"))
	require.NoError(t, leaf.VerifyHostname("127.0.0.1"))
	require.Greater(t, time.Until(leaf.NotAfter), 300*24*time.Hour)
}
