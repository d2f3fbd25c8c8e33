package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "printers.conf")

	require.NoError(t, WriteFile(path, []byte("printer lp1\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "printer lp1\n", string(data))

	_, err = os.Stat(path + ".O")
	require.True(t, os.IsNotExist(err))
}

func TestWriteFileOverwritesPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.cache")

	require.NoError(t, WriteFile(path, []byte("gen1")))
	require.NoError(t, WriteFile(path, []byte("gen2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "gen2", string(data))
}

func TestDigestRoundTripAndMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c00001")

	require.NoError(t, WriteFileWithDigest(path, []byte("control-data")))

	data, err := ReadFileVerified(path)
	require.NoError(t, err)
	require.Equal(t, "control-data", string(data))

	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o600))
	_, err = ReadFileVerified(path)
	require.Error(t, err)
}

func TestReadFileVerifiedToleratesMissingDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c00002")
	require.NoError(t, WriteFile(path, []byte("no-digest-yet")))

	data, err := ReadFileVerified(path)
	require.NoError(t, err)
	require.Equal(t, "no-digest-yet", string(data))
}

func TestDirtySetMarkAndTake(t *testing.T) {
	var ds DirtySet
	require.False(t, ds.Any())

	ds.Mark(DomainPrinters)
	ds.Mark(DomainJobs)
	require.True(t, ds.Any())

	dirty := ds.TakeDirty()
	require.ElementsMatch(t, []Domain{DomainPrinters, DomainJobs}, dirty)
	require.False(t, ds.Any())
}

func TestStoreFlushDirtyOnlyWritesMarkedDomains(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	s.Mark(DomainPrinters)
	calls := map[Domain]int{}
	errs := s.FlushDirty(func(d Domain) ([]byte, error) {
		calls[d]++
		return []byte("data"), nil
	})
	require.Empty(t, errs)
	require.Equal(t, 1, calls[DomainPrinters])
	require.Equal(t, 0, calls[DomainJobs])

	_, err = os.Stat(s.Path(DomainPrinters))
	require.NoError(t, err)
}

func TestStoreForceFlushAllWritesEveryDomain(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	written := 0
	errs := s.ForceFlushAll(func(d Domain) ([]byte, error) {
		written++
		return []byte("x"), nil
	})
	require.Empty(t, errs)
	require.Equal(t, int(domainCount), written)
}

func TestReadDomainMissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	data, err := s.ReadDomain(DomainRemote)
	require.NoError(t, err)
	require.Nil(t, data)
}
