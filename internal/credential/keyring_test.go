package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetResolveDelete(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	require.NoError(t, s.Set(MailboxKey("s1"), "pw"))

	v, err := s.Resolve(MailboxKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, "pw", v)

	require.NoError(t, s.Delete(MailboxKey("s1")))
	_, err = s.Resolve(MailboxKey("s1"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(MailboxKey("s1")))
}

func TestStore_ResolveMissingOrEmpty(t *testing.T) {
	s := New(keyring.NewArrayKeyring([]keyring.Item{{Key: AIKey("s1"), Data: nil}}))

	_, err := s.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve(AIKey("s1"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve(AIKey("s2"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "mailbox:s1", MailboxKey("s1"))
	assert.Equal(t, "ai:s1", AIKey("s1"))
	assert.NotEqual(t, MailboxKey("s1"), AIKey("s1"))
}
