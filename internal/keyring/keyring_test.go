package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestPasswordLifecycle(t *testing.T) {
	keyring.MockInit()
	const id = "3f0c9a52-archive"

	assert.False(t, HasPassword(id))
	_, err := GetPassword(id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, SavePassword(id, "s3cret"))
	assert.True(t, HasPassword(id))
	got, err := GetPassword(id)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, DeletePassword(id))
	assert.False(t, HasPassword(id))
	assert.ErrorIs(t, DeletePassword(id), ErrNotFound)
}
