package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// WriteFile writes data to path through a temp-file-then-rename
// transaction: data lands at path+".O" first, is fsynced, then
// atomically renamed over path. A reader never observes a partially
// written file, and a crash between the write and the rename simply
// leaves the previous generation of path intact.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	tmp := path + ".O"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("persist: open temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist: write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist: sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// Digest computes a BLAKE2b-256 integrity digest of data, stored
// alongside a job's control file so a restart can detect a control
// file that was truncated or corrupted by a crash mid-write before
// ever trusting its contents (spec §4.G's "never load a torn file").
func Digest(data []byte) ([32]byte, error) {
	return blake2b.Sum256(data), nil
}

// VerifyDigest reports whether data matches a previously computed Digest.
func VerifyDigest(data []byte, want [32]byte) bool {
	got, err := Digest(data)
	if err != nil {
		return false
	}
	return got == want
}

// WriteFileWithDigest writes data to path atomically and also writes a
// sibling ".digest" file containing its BLAKE2b-256 sum, so a restart
// can verify the control file wasn't torn by a crash between the two
// writes. The digest file is written second: ReadFileVerified skips the
// check when it is missing and reports a mismatch when it is stale.
func WriteFileWithDigest(path string, data []byte) error {
	if err := WriteFile(path, data); err != nil {
		return err
	}
	sum, _ := Digest(data)
	return WriteFile(path+".digest", sum[:])
}

// ReadFileVerified reads path and, if a sibling ".digest" file exists,
// verifies the contents against it. A missing digest file is not an
// error (older control files predate this check); a present but
// mismatching digest is.
func ReadFileVerified(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sumBytes, err := os.ReadFile(path + ".digest")
	if os.IsNotExist(err) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read digest for %s: %w", path, err)
	}
	if len(sumBytes) != 32 {
		return nil, fmt.Errorf("persist: malformed digest for %s", path)
	}
	var want [32]byte
	copy(want[:], sumBytes)
	if !VerifyDigest(data, want) {
		return nil, fmt.Errorf("persist: digest mismatch for %s: control file may be corrupt", path)
	}
	return data, nil
}
