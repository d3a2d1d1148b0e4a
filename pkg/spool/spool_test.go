package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadFor(n byte) [sector.Size]byte {
	var p [sector.Size]byte
	p[0] = n
	return p
}

func TestAppendReadErase(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append(payloadFor(1), 6))
	require.NoError(t, s.Append(payloadFor(2), 6))
	require.Equal(t, 12, s.DiskRecords())

	recs, err := s.ReadBulk(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, byte(1), recs[0].Payload[0])
	assert.Equal(t, byte(2), recs[1].Payload[0])
	assert.Equal(t, 6, recs[0].RecordCount)
	assert.True(t, s.HasPending())

	require.NoError(t, s.EraseAllPending(12))
	assert.Equal(t, 0, s.DiskRecords())
	assert.False(t, s.HasPending())

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 0, "fully acknowledged spillover files should be deleted")
}

func TestRevertReplaysSameRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(payloadFor(9), 6))

	first, err := s.ReadBulk(10)
	require.NoError(t, err)
	require.NoError(t, s.RevertAllPending())

	second, err := s.ReadBulk(10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecoveryTruncatesCorruptTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(payloadFor(1), 6))
	require.NoError(t, s.Append(payloadFor(2), 6))
	require.NoError(t, s.Close())

	// Corrupt the file by appending a short trailing frame.
	path := filepath.Join(dir, "00000000.mm2")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, s2.DiskRecords())

	recs, err := s2.ReadBulk(10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRecoveryDiscardsCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(payloadFor(1), 6))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "00000000.mm2")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize] ^= 0xFF // flip a payload byte so CRC no longer matches
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s2.DiskRecords())
}
