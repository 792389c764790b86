// Package sandbox runs provision and virtual parameter scripts in an
// embedded JavaScript runtime (goja).
//
// Scripts see these globals:
//
//	declare(path, timestamps, values)  declare a path, returns a parameter wrapper
//	clear(path, timestamp, attributes) invalidate cached data
//	commit()                           finish the current revision
//	log(message, meta)                 debug log line tagged with device and script
//	args                               provision arguments, or [get, set] for a
//	                                   virtual parameter
//
// Date.now() returns the session start time so that reruns of a script
// within one session agree.
//
// A wrapper exposes path, size, value ([raw, type]), writable and object of
// its first match and iterates over every match. A virtual parameter script
// returns {writable, value}, where value is a bare value or [raw, type].
//
// Scripts are rerun from the top every time the engine asks. A commit()
// beyond the revision window handed to Run unwinds the script and reports
// Done=false; the next run gets a wider window and passes that commit.
package sandbox
