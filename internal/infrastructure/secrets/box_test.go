package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

func TestBox_SealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("master-key")
	require.NoError(t, err)

	creds := Credentials{School: "demo-school", Username: "student", Password: "pa55word"}

	blob, err := box.Seal(creds)
	require.NoError(t, err)
	assert.Greater(t, len(blob), saltSize+nonceSize)

	got, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestBox_SealIsRandomized(t *testing.T) {
	box, err := NewBox("master-key")
	require.NoError(t, err)

	creds := Credentials{School: "demo-school", Username: "student", Password: "pa55word"}

	a, err := box.Seal(creds)
	require.NoError(t, err)
	b, err := box.Seal(creds)
	require.NoError(t, err)

	// Fresh salt and nonce every time: equal plaintexts never produce
	// equal blobs.
	assert.NotEqual(t, a, b)
}

func TestBox_WrongMasterKeyIsDecryptFailed(t *testing.T) {
	box, err := NewBox("master-key")
	require.NoError(t, err)

	blob, err := box.Seal(Credentials{School: "s", Username: "u", Password: "p"})
	require.NoError(t, err)

	other, err := NewBox("different-key")
	require.NoError(t, err)

	_, err = other.Open(blob)
	assert.ErrorIs(t, err, timetable.ErrDecryptFailed)
}

func TestBox_TamperedBlobIsDecryptFailed(t *testing.T) {
	box, err := NewBox("master-key")
	require.NoError(t, err)

	blob, err := box.Seal(Credentials{School: "s", Username: "u", Password: "p"})
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff

	_, err = box.Open(blob)
	assert.ErrorIs(t, err, timetable.ErrDecryptFailed)
}

func TestBox_TruncatedBlobIsDecryptFailed(t *testing.T) {
	box, err := NewBox("master-key")
	require.NoError(t, err)

	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, timetable.ErrDecryptFailed)

	_, err = box.Open(nil)
	assert.ErrorIs(t, err, timetable.ErrDecryptFailed)
}

func TestNewBox_EmptyKey(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrEmptyMasterKey)
}
