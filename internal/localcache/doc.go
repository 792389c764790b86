// Package localcache loads the ACS configuration (provision scripts,
// virtual parameter scripts, presets, files and config keys) from a
// directory into immutable, content-addressed snapshots.
//
// Directory layout:
//
//	provisions/<name>.js
//	virtual_parameters/<name>.js
//	presets.yaml
//	files.yaml
//	config.yaml
//
// A session pins the snapshot current at its start, by key, so that a
// reload in the middle of a session does not change the scripts it runs.
// The last few snapshots are retained for that purpose; a session whose
// snapshot has been evicted is restarted by the caller.
package localcache
