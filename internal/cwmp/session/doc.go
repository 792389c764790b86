// Package session implements the per-device reconciliation engine of the
// ACS.
//
// A Context holds everything one CWMP session knows about a device: the
// cached parameter tree, the provisions to apply and the state of the
// reconciliation. The Engine drives it one RPC at a time:
//
//	Inform ──► RPCRequest ──► device ──► RPCResponse / RPCFault ──┐
//	              ▲                                               │
//	              └───────────────────────────────────────────────┘
//
// RPCRequest is an explicit loop over levels. Level 0 runs the session
// provisions; each virtual parameter evaluation pushes a level on top:
//
//	┌────────────────────────────────────────────────────────┐
//	│ run scripts ──► sync declarations ──► GET phase (GPN,  │
//	│      ▲                                  then GPV)      │
//	│      │ revision++ (not done)                │          │
//	│      └──────────────────────────────────────┤          │
//	│                                  virtual parameters ──►│── push level
//	│                                             │          │
//	│  SET phase: delete ► add ► SPV ► download ► reboot ►   │
//	│             factory reset                   │          │
//	│                                             ▼          │
//	│            level complete: pop + commit, or new cycle  │
//	└────────────────────────────────────────────────────────┘
//
// Every write to DeviceData carries an explicit revision. A level works on
// its own revision range; completing it folds the range into the level
// below (devicedata.Commit), while a fault discards it
// (devicedata.Rollback). Revision 0 is the state loaded from storage, so
// the diff between revision 0 and the latest revision is what a session
// changed.
//
// Runaway configurations are cut short with the faults too_many_rpcs,
// deeply_nested_vparams, too_many_cycles and too_many_commits.
package session
