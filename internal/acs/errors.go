package acs

import "errors"

// Domain errors for the acs package.
var (
	// ErrMissingDependency is returned by New when a required dependency
	// is nil.
	ErrMissingDependency = errors.New("acs: missing dependency")

	// ErrNoSession is returned when a non-Inform message arrives without
	// a session ID.
	ErrNoSession = errors.New("acs: no session")

	// ErrSessionExpired is returned when the session ID names no live
	// session.
	ErrSessionExpired = errors.New("acs: session expired or unknown")

	// ErrBadMessage is returned when the envelope cannot be decoded or
	// its identity fields are unusable.
	ErrBadMessage = errors.New("acs: bad message")

	// ErrUnexpectedMessage is returned for a message the CPE must not
	// send, such as an ACS request.
	ErrUnexpectedMessage = errors.New("acs: unexpected message")
)
