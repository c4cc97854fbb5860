package importer

import "github.com/warp/ledger-engine/ledger"

// Reasons a candidate is skipped as a duplicate.
const (
	ReasonAlreadyImported  = "already imported"
	ReasonSourceIDImported = "source id already imported in period"
	ReasonDuplicateInFile  = "duplicate within file"
)

// Deduper checks candidates against persisted keys and against the rows
// already accepted from the same batch, in one linear pass.
type Deduper struct {
	existing ledger.ImportedKeys
	hashes   map[string]bool
	sources  map[string]bool
}

// NewDeduper starts a pass over a batch. existing comes from
// EntryStore.ImportedKeys and is not modified.
func NewDeduper(existing ledger.ImportedKeys) *Deduper {
	return &Deduper{
		existing: existing,
		hashes:   map[string]bool{},
		sources:  map[string]bool{},
	}
}

// Check reports whether the candidate is a duplicate and why. A candidate
// that is not a duplicate is remembered, so a later identical row in the
// same batch is caught.
func (d *Deduper) Check(hash, sourceID string) (string, bool) {
	switch {
	case d.existing.Hashes[hash]:
		return ReasonAlreadyImported, true
	case sourceID != "" && d.existing.SourceIDs[sourceID]:
		return ReasonSourceIDImported, true
	case d.hashes[hash], sourceID != "" && d.sources[sourceID]:
		return ReasonDuplicateInFile, true
	}
	d.hashes[hash] = true
	if sourceID != "" {
		d.sources[sourceID] = true
	}
	return "", false
}
