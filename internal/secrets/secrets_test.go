package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	plaintext := "aSuperSecretRefreshToken_1234567890"
	ct, iv, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, ct)
	require.NotEmpty(t, iv)

	got, err := box.Decrypt(ct, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestBox_FreshIVPerEncryption(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	_, iv1, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	_, iv2, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestBox_TamperedCiphertextFails(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	ct, iv, err := box.Encrypt("token material")
	require.NoError(t, err)

	// Flip one hex nibble
	tampered := []byte(ct)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}

	_, err = box.Decrypt(string(tampered), iv)
	assert.Error(t, err)
}

func TestBox_WrongIVFails(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	ct, _, err := box.Encrypt("token material")
	require.NoError(t, err)
	_, otherIV, err := box.Encrypt("other")
	require.NoError(t, err)

	_, err = box.Decrypt(ct, otherIV)
	assert.Error(t, err)
}

func TestNewBox_RejectsBadKeys(t *testing.T) {
	_, err := NewBox("not-hex")
	assert.Error(t, err)

	_, err = NewBox(strings.Repeat("ab", 16)) // 16 bytes, too short
	assert.Error(t, err)
}
