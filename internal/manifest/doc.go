// Package manifest owns the durable per-asset record of a generation run.
//
// One JSON document exists per (spec hash, asset id) pair, at
// <root>/<species>/<asset_id>/<spec_hash>_manifest.json, holding the task
// graph, downloaded artifacts, the append-only status history, and resume
// tokens. Two specs that slug to the same asset id therefore keep separate
// manifests side by side. Lookups that only know the species and asset id go
// through Resolve, which accepts an empty or abbreviated spec hash as long as
// it selects exactly one file.
//
// Every mutation goes through Store.Update, which serializes writers with a
// reference-counted in-process mutex plus a flock on .<spec_hash>.lock in the
// asset directory, writes a temp file, fsyncs it and renames it into place.
// Readers therefore see either the previous or the next manifest, never a
// partial one.
//
// A SQLite index (index.db in the manifest root) mirrors the headline fields
// of every manifest so species listings do not need to parse every file. The
// JSON files stay authoritative; Reindex rebuilds the index from them, and an
// index written by an older schema version is dropped and rebuilt on Open.
package manifest
