package core

import "context"

// PartRepository is the out-of-scope relational persistence
// collaborator (§6). The core never implements it — a real deployment
// supplies a concrete store; tests supply a fake.
type PartRepository interface {
	Persist(ctx context.Context, partID, code, prompt string, parameters map[string]float64, bbox *BoundingBox, status, errMsg string) error
}

// VersionSource identifies why a PartVersioning snapshot was taken.
type VersionSource string

// Recognized snapshot sources (§6).
const (
	VersionSourceManual        VersionSource = "manual"
	VersionSourceAutosave      VersionSource = "autosave"
	VersionSourceAIGenerate    VersionSource = "ai_generate"
	VersionSourceRestore       VersionSource = "restore"
	VersionSourceBeforeRestore VersionSource = "before_restore"
)

// PartVersioning is the out-of-scope version-snapshot collaborator
// (§6). Per §2's data flow, the core itself never calls it: the
// Designing handler only replaces Session.GeneratedCode in memory,
// and it is the external caller reading that session afterward —
// the same layer that owns PartRepository — that is responsible for
// snapshotting the prior version before persisting the new one, per
// the §3 invariant that a code replacement explicitly versions what
// it overwrites. The interface is declared here purely so that
// external callers share the core's vocabulary for the snapshot
// source enum below.
type PartVersioning interface {
	Snapshot(ctx context.Context, partID string, source VersionSource) error
}

// BoundingBox mirrors cadexec.BoundingBox at the core's external
// boundary, so PartRepository implementations do not need to import
// the cadexec package just to receive a persisted bbox.
type BoundingBox struct {
	X float64
	Y float64
	Z float64
}
