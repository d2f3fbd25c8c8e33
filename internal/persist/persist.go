// Package persist implements the scheduler's crash-safe on-disk state:
// five top-level files plus per-job control/document files, written
// through a temp-then-rename transaction so a crash mid-write never
// leaves a torn file behind. The WriteFile transaction helper generalizes
// PrintMaster's common/config.WriteTOML atomic-write helper into a
// reusable primitive the rest of the persistence layer builds on.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Domain identifies one of the five top-level persisted files from
// spec §4.G, used as the dirty-bitset index.
type Domain int

const (
	DomainPrinters Domain = iota
	DomainClasses
	DomainSubscriptions
	DomainRemote
	DomainJobs
	domainCount
)

var domainFiles = map[Domain]string{
	DomainPrinters:      "printers.conf",
	DomainClasses:       "classes.conf",
	DomainSubscriptions: "subscriptions.conf",
	DomainRemote:        "remote.cache",
	DomainJobs:          "jobs.cache",
}

// FileName returns the on-disk name of a domain's state file.
func (d Domain) FileName() string { return domainFiles[d] }

// DirtySet tracks which domains have unsaved changes, mirroring
// cupsd's dirty-bitset (spec §4.G): operations mark a domain dirty in
// memory immediately; a periodic sweep (DirtyCleanInterval) and a
// forced flush at shutdown do the actual writes.
type DirtySet struct {
	mu    sync.Mutex
	dirty [domainCount]bool
}

// Mark flags d as having unsaved changes.
func (s *DirtySet) Mark(d Domain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[d] = true
}

// TakeDirty returns the list of currently-dirty domains and clears them,
// so the caller can write each out and remark only the ones that fail.
func (s *DirtySet) TakeDirty() []Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Domain
	for d := Domain(0); d < domainCount; d++ {
		if s.dirty[d] {
			out = append(out, d)
			s.dirty[d] = false
		}
	}
	return out
}

// Any reports whether any domain is currently dirty.
func (s *DirtySet) Any() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d := Domain(0); d < domainCount; d++ {
		if s.dirty[d] {
			return true
		}
	}
	return false
}

// Store owns the spool state directory and the dirty bitset, and is
// the single writer of the five top-level files.
type Store struct {
	stateDir string
	dirty    DirtySet
}

// New returns a Store rooted at stateDir, creating it if absent.
func New(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir %s: %w", stateDir, err)
	}
	return &Store{stateDir: stateDir}, nil
}

// Mark flags a domain dirty; call after any in-memory mutation to
// printers, classes, subscriptions, remote-cache or jobs.
func (s *Store) Mark(d Domain) { s.dirty.Mark(d) }

// Dirty reports whether any domain currently awaits a flush.
func (s *Store) Dirty() bool { return s.dirty.Any() }

// Path returns the absolute path of d's file under the state directory.
func (s *Store) Path(d Domain) string {
	return filepath.Join(s.stateDir, d.FileName())
}

// JobControlPath returns the control-file path for job id (spec §6's
// per-job control/document file pair).
func (s *Store) JobControlPath(id int) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("c%05d", id))
}

// JobDocumentPath returns the spooled document path for job id,
// document index docNum (1-based, spec §2.C allows multiple documents
// per job via successive Send-Document calls).
func (s *Store) JobDocumentPath(id, docNum int) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("d%05d-%03d", id, docNum))
}

// WriteDomain writes data to d's file through WriteFile's
// temp-then-rename transaction. It does not touch the dirty set;
// FlushDirty re-marks a domain whose write fails.
func (s *Store) WriteDomain(d Domain, data []byte) error {
	return WriteFile(s.Path(d), data)
}

// FlushDirty writes out every currently-dirty domain using build,
// which must return the current encoded contents for a domain. Domains
// that fail to write are re-marked dirty so the next sweep retries
// them, matching cupsd's tolerant periodic-dirty-write behavior.
func (s *Store) FlushDirty(build func(Domain) ([]byte, error)) []error {
	var errs []error
	for _, d := range s.dirty.TakeDirty() {
		data, err := build(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("persist: build %s: %w", d.FileName(), err))
			s.dirty.Mark(d)
			continue
		}
		if err := s.WriteDomain(d, data); err != nil {
			errs = append(errs, fmt.Errorf("persist: write %s: %w", d.FileName(), err))
			s.dirty.Mark(d)
		}
	}
	return errs
}

// ForceFlushAll writes every domain regardless of its dirty state,
// used on shutdown so the five files always reflect the final
// in-memory state even if DirtyCleanInterval hadn't elapsed yet.
func (s *Store) ForceFlushAll(build func(Domain) ([]byte, error)) []error {
	var errs []error
	for d := Domain(0); d < domainCount; d++ {
		data, err := build(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("persist: build %s: %w", d.FileName(), err))
			continue
		}
		if err := s.WriteDomain(d, data); err != nil {
			errs = append(errs, fmt.Errorf("persist: write %s: %w", d.FileName(), err))
		}
	}
	return errs
}

// ReadDomain reads d's file, returning (nil, nil) if it does not yet
// exist (first boot).
func (s *Store) ReadDomain(d Domain) ([]byte, error) {
	b, err := os.ReadFile(s.Path(d))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read %s: %w", d.FileName(), err)
	}
	return b, nil
}
