package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryJournal_PutGetDelete(t *testing.T) {
	j := NewMemoryJournal()

	_, ok, err := j.Get("tx:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Put(Entry{Key: "tx:1", State: StateSent, Ref: "sig"}))
	e, ok, err := j.Get("tx:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateSent, e.State)
	assert.Equal(t, "sig", e.Ref)
	assert.False(t, e.CreatedAt.IsZero())

	require.NoError(t, j.Delete("tx:1"))
	_, ok, _ = j.Get("tx:1")
	assert.False(t, ok)
}

func TestMemoryJournal_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	j := NewMemoryJournal(WithClock(clock.now))

	require.NoError(t, j.Put(Entry{
		Key:       "shortfall:1",
		State:     StateCooldown,
		ExpiresAt: clock.t.Add(10 * time.Minute),
	}))
	require.NoError(t, j.Put(Entry{Key: "tx:2", State: StateSent}))

	_, ok, _ := j.Get("shortfall:1")
	assert.True(t, ok)

	clock.t = clock.t.Add(10 * time.Minute)
	_, ok, _ = j.Get("shortfall:1")
	assert.False(t, ok)

	list, err := j.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tx:2", list[0].Key)
}

func TestEntry_Redacted(t *testing.T) {
	e := Entry{Key: "wallet:donor:1", Secret: "s3cret", Public: "pub"}
	r := e.Redacted()
	assert.Empty(t, r.Secret)
	assert.Equal(t, "pub", r.Public)
	assert.Equal(t, "s3cret", e.Secret)
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := GenerateSealer()
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("private-key"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "private-key")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "private-key", string(plain))

	other, err := GenerateSealer()
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestLoadOrCreateSealer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "journal.key")

	first, err := LoadOrCreateSealer(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSealer(path)
	require.NoError(t, err)
	assert.Equal(t, first.Recipient(), second.Recipient())
}

func TestFileJournal_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.cbor")
	sealer, err := GenerateSealer()
	require.NoError(t, err)

	j, err := OpenFileJournal(path, sealer)
	require.NoError(t, err)
	require.NoError(t, j.Put(Entry{
		Key:     "wallet:recipient:abc",
		State:   StateDeployed,
		Address: "addr",
		Public:  "pub",
		Secret:  "top-secret-key",
	}))
	require.NoError(t, j.Put(Entry{Key: "tx:1", State: StateSent, Ref: "sig-1"}))
	require.NoError(t, j.Delete("tx:1"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "top-secret-key")

	reopened, err := OpenFileJournal(path, sealer)
	require.NoError(t, err)
	e, ok, err := reopened.Get("wallet:recipient:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateDeployed, e.State)
	assert.Equal(t, "addr", e.Address)
	assert.Equal(t, "top-secret-key", e.Secret)

	_, ok, _ = reopened.Get("tx:1")
	assert.False(t, ok)
}

func TestFileJournal_WrongIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	sealer, err := GenerateSealer()
	require.NoError(t, err)
	j, err := OpenFileJournal(path, sealer)
	require.NoError(t, err)
	require.NoError(t, j.Put(Entry{Key: "wallet:donor:1", State: StateIntent, Secret: "k"}))

	other, err := GenerateSealer()
	require.NoError(t, err)
	_, err = OpenFileJournal(path, other)
	assert.Error(t, err)
}

func TestFileJournal_ExpiredDroppedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	sealer, err := GenerateSealer()
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	j, err := OpenFileJournal(path, sealer, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, j.Put(Entry{Key: "shortfall:1", State: StateCooldown, ExpiresAt: clock.t.Add(time.Minute)}))

	clock.t = clock.t.Add(2 * time.Minute)
	reopened, err := OpenFileJournal(path, sealer, WithClock(clock.now))
	require.NoError(t, err)
	list, err := reopened.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
