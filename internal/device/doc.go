// Package device persists what the ACS knows about each CPE.
//
// Everything a session needs between exchanges lives here, behind small
// repository interfaces with SQLite implementations:
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                        device package                            │
//	│                                                                  │
//	│  Repository          parameter tree, identity summary, tags      │
//	│  FaultRepository     faults keyed "<device>:<channel>"           │
//	│  OperationRepository pending Downloads keyed "<device>:<key>"    │
//	│  TaskRepository      queued management tasks                     │
//	│  SessionStore        suspended sessions, zstd-compressed         │
//	│  Registry            cached device summaries for the API         │
//	└──────────────────────────────────────────────────────────────────┘
//
// Fetch loads the stored parameter tree into revision 0 of a fresh
// devicedata.DeviceData; Save writes back only the paths whose latest
// revision differs from revision 0.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	data, err := repo.Fetch(ctx, deviceID, interner)
//	// ... run the session ...
//	if err := repo.Save(ctx, deviceID, data); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// The SQLite implementations and the Registry are safe for concurrent use.
// A DeviceData returned by Fetch belongs to one session.
package device
