package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/types"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := NewFromString(key)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := testVault(t)
	creds := map[string]string{"access_key_id": "AKIA", "secret_access_key": "s3cr3t", "region": "us-east-1"}

	blob, err := v.Encrypt(creds)
	require.NoError(t, err)
	assert.NotContains(t, blob, "s3cr3t")

	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestVault_NonceIsRandom(t *testing.T) {
	v := testVault(t)
	creds := map[string]string{"token": "abc"}

	a, err := v.Encrypt(creds)
	require.NoError(t, err)
	b, err := v.Encrypt(creds)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_WrongKey(t *testing.T) {
	blob, err := testVault(t).Encrypt(map[string]string{"token": "abc"})
	require.NoError(t, err)

	_, err = testVault(t).Decrypt(blob)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCredentials)
	assert.Equal(t, types.KindCredentials, types.KindOf(err))
}

func TestVault_TamperedBlob(t *testing.T) {
	v := testVault(t)
	blob, err := v.Encrypt(map[string]string{"token": "abc"})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, types.ErrCredentials)
}

func TestVault_MalformedBlobs(t *testing.T) {
	v := testVault(t)
	tests := []struct {
		name string
		blob string
	}{
		{"not base64", "%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.blob)
			assert.ErrorIs(t, err, types.ErrCredentials)
		})
	}
}

func TestNew_KeyLength(t *testing.T) {
	_, err := New(make([]byte, 16))
	assert.Error(t, err)

	_, err = New(make([]byte, KeySize))
	assert.NoError(t, err)
}

func TestParseKey(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		got, err := ParseKey("  " + enc.EncodeToString(key) + "\n")
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}

	_, err := ParseKey("")
	assert.Error(t, err)
	_, err = ParseKey("not*base64")
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, KeySize)
}

func TestPlaintext(t *testing.T) {
	var c Codec = Plaintext{}
	blob, err := c.Encrypt(map[string]string{"token": "abc"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(blob, "{"))

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "abc", got["token"])

	_, err = c.Decrypt("garbage")
	assert.ErrorIs(t, err, types.ErrCredentials)
}
