package crypto

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateRandom(KeySize)
	require.NoError(t, err)
	return key
}

func TestKDFDeterministic(t *testing.T) {
	kdf := &KDF{Salt: []byte("0123456789abcdef0123456789abcdef"), Iterations: 1000}

	a := kdf.DeriveKey([]byte("secret"))
	b := kdf.DeriveKey([]byte("secret"))
	c := kdf.DeriveKey([]byte("other"))

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEncryptDecrypt(t *testing.T) {
	enc := NewEncryptor(testKey(t))

	ct, err := enc.Encrypt([]byte("hello"), []byte("ad"))
	require.NoError(t, err)

	pt, err := enc.Decrypt(ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	_, err = enc.Decrypt(ct, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = enc.Decrypt(ct[:5], nil)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestWrapUnwrapKey(t *testing.T) {
	kdf := &KDF{Salt: bytes.Repeat([]byte{7}, SaltSize), Iterations: 1000}
	master := testKey(t)

	wrapped, err := WrapKey(kdf.DeriveKey([]byte("right")), master)
	require.NoError(t, err)

	got, err := UnwrapKey(kdf.DeriveKey([]byte("right")), wrapped)
	require.NoError(t, err)
	assert.Equal(t, master, got)

	_, err = UnwrapKey(kdf.DeriveKey([]byte("wrong")), wrapped)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func seal(t *testing.T, key, ad, plaintext []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key, ad)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func open(key, ad, sealed []byte) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(sealed), key, ad)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func TestStreamRoundTrip(t *testing.T) {
	key := testKey(t)
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}

	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{'x'}, size)
		for i := range plaintext {
			plaintext[i] = byte(i % 251)
		}

		sealed := seal(t, key, []byte("name"), plaintext)
		got, err := open(key, []byte("name"), sealed)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, plaintext, got, "size %d", size)
	}
}

func TestStreamRejectsTampering(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("abus"), ChunkSize/2) // two full chunks
	sealed := seal(t, key, []byte("name"), plaintext)

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := open(key, []byte("other"), sealed)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := open(testKey(t), []byte("name"), sealed)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("truncated at chunk boundary", func(t *testing.T) {
		cut := streamHeaderSize + ChunkSize + TagSize
		_, err := open(key, []byte("name"), sealed[:cut])
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("flipped bit", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)-1] ^= 1
		_, err := open(key, []byte("name"), bad)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("bad header", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[0] = 'X'
		_, err := open(key, []byte("name"), bad)
		assert.ErrorIs(t, err, ErrBadStreamHeader)
	})
}

func TestClearBytes(t *testing.T) {
	b := []byte("sensitive")
	ClearBytes(b)
	assert.Equal(t, make([]byte, len(b)), b)
}
