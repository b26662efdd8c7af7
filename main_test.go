package main

import (
	"path/filepath"
	"testing"

	"charityledger/config"
	"charityledger/internal/journal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJournal_Memory(t *testing.T) {
	j := initJournal(&config.Config{})
	_, ok := j.(*journal.MemoryJournal)
	assert.True(t, ok)
}

func TestInitJournal_ReopensFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Journal: config.JournalConfig{
		Path:         filepath.Join(dir, "journal.cbor"),
		IdentityFile: filepath.Join(dir, "identity.txt"),
	}}

	j := initJournal(cfg)
	require.NoError(t, j.Put(journal.Entry{Key: "wallet:donor:1", State: journal.StateIntent, Public: "pub", Secret: "sec"}))

	reopened := initJournal(cfg)
	entries, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sec", entries[0].Secret)
}
