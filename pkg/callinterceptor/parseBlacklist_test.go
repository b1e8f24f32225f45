package callinterceptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rglonek/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sip-call-interceptor/pkg/blockstore"
)

func testLogger() *logger.Logger {
	log := logger.NewLogger()
	log.SetLogLevel(logger.LogLevel(1))
	return log
}

func testStore(t *testing.T) *blockstore.Store {
	t.Helper()
	s, err := blockstore.Open(filepath.Join(t.TempDir(), "blocklist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	writeFile(t, path, "# header\n\n+447700900001 # car warranty\n+447700900002\n  +447700900001 # dup\n447700900003\n   # only comment\n")

	li := newListImporter(ConfigBlockList{}, nil, nil, testLogger())
	nl, err := li.parseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, nl.fileName)
	assert.Len(t, nl.numbers, 3)
	assert.Equal(t, number{lineNumber: 3, comment: "car warranty"}, nl.numbers["+447700900001"])
	assert.Equal(t, number{lineNumber: 4}, nl.numbers["+447700900002"])
	assert.Equal(t, 6, nl.numbers["447700900003"].lineNumber)
}

func TestParseFile_Normalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	writeFile(t, path, "07700900001\n")
	li := newListImporter(ConfigBlockList{}, nil, newNumberNormalizer("44").normalize, testLogger())
	nl, err := li.parseFile(path)
	require.NoError(t, err)
	assert.Contains(t, nl.numbers, "+447700900001")
}

func TestParseNumberLists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "block", "a.txt"), "+15551234567 # known scammer\n")
	writeFile(t, filepath.Join(dir, "block", "nested", "b.txt"), "+15557654321\n")
	writeFile(t, filepath.Join(dir, "allow.txt"), "+15550000000\n")

	store := testStore(t)
	require.NoError(t, store.Add("+15559999999", blockstore.Entry{Source: "admin"}))

	li := newListImporter(ConfigBlockList{
		ImportPaths: []string{filepath.Join(dir, "block")},
		AllowPaths:  []string{filepath.Join(dir, "allow.txt")},
	}, store, nil, testLogger())
	require.NoError(t, li.parseNumberLists())

	e, ok, err := store.Lookup("+15551234567")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Imported)
	assert.Equal(t, "known scammer", e.Comment)
	assert.Equal(t, 1, e.Line)
	assert.Equal(t, filepath.Join(dir, "block", "a.txt"), e.Source)

	_, ok, _ = store.Lookup("+15557654321")
	assert.True(t, ok)
	_, ok, _ = store.Lookup("+15559999999")
	assert.True(t, ok, "manual entries survive imports")

	assert.True(t, li.isAllowed("+15550000000"))
	assert.False(t, li.isAllowed("+15551234567"))

	// reload after the file shrinks
	writeFile(t, filepath.Join(dir, "block", "nested", "b.txt"), "")
	require.NoError(t, li.parseNumberLists())
	_, ok, _ = store.Lookup("+15557654321")
	assert.False(t, ok)
}

func TestParseNumberLists_MissingPath(t *testing.T) {
	li := newListImporter(ConfigBlockList{ImportPaths: []string{"/does/not/exist"}}, testStore(t), nil, testLogger())
	assert.Error(t, li.parseNumberLists())
}
