package dispatch

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockSignalingKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, signalingKeyLen)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mockSignalingKey(t)
	for _, size := range []int{1, 15, 16, 17, 1024} {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		frame, err := EncryptPayload(key, plain)
		require.NoError(t, err)
		assert.Equal(t, byte(signalingVersion), frame[0])

		got, err := DecryptPayload(key, frame)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptPayloadShortKey(t *testing.T) {
	short := base64.StdEncoding.EncodeToString(make([]byte, signalingKeyLen-1))
	_, err := EncryptPayload(short, []byte("hello"))
	assert.Error(t, err)
	_, err = DecryptPayload(short, []byte{signalingVersion})
	assert.Error(t, err)
}

func TestEncryptPayloadBadBase64(t *testing.T) {
	_, err := EncryptPayload("%%%not-base64%%%", []byte("hello"))
	assert.Error(t, err)
}

func TestDecryptPayloadTamperedMac(t *testing.T) {
	key := mockSignalingKey(t)
	frame, err := EncryptPayload(key, []byte("hello"))
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xff
	_, err = DecryptPayload(key, frame)
	assert.Error(t, err)
}

func TestDecryptPayloadTamperedBody(t *testing.T) {
	key := mockSignalingKey(t)
	frame, err := EncryptPayload(key, []byte("hello world"))
	require.NoError(t, err)

	frame[20] ^= 0x01
	_, err = DecryptPayload(key, frame)
	assert.Error(t, err)
}

func TestDecryptPayloadWrongKey(t *testing.T) {
	frame, err := EncryptPayload(mockSignalingKey(t), []byte("hello"))
	require.NoError(t, err)
	_, err = DecryptPayload(mockSignalingKey(t), frame)
	assert.Error(t, err)
}

func TestDecryptPayloadBadVersion(t *testing.T) {
	key := mockSignalingKey(t)
	frame, err := EncryptPayload(key, []byte("hello"))
	require.NoError(t, err)

	frame[0] = 0x02
	_, err = DecryptPayload(key, frame)
	assert.Error(t, err)
}
