// services/errors.go
package services

import (
	"errors"
	"fmt"

	"session-sync/backend"
)

var (
	// ErrConnection means the transport has no store or broker to talk to.
	ErrConnection = errors.New("transport not initialized")
	// ErrNotFound means a join code resolved to no session.
	ErrNotFound = errors.New("session not found")
	// ErrNotJoinable means the session is not accepting participants.
	ErrNotJoinable = errors.New("session not joinable")
	// ErrSessionFull is a NotJoinable caused by capacity.
	ErrSessionFull = fmt.Errorf("%w: session is full", ErrNotJoinable)
	// ErrValidationRejected marks a movement update dropped by the host.
	ErrValidationRejected = errors.New("movement update rejected")
	// ErrStore wraps any failed store read or write.
	ErrStore = errors.New("store error")
	// ErrDuplicateMembership is a self-join that hit the unique (session, player) row.
	ErrDuplicateMembership = errors.New("already a member of this session")
	// ErrNotHost is returned for host-only operations called by a client.
	ErrNotHost = errors.New("operation requires the session host")
	// ErrNoSession is returned when an operation needs a created or joined session.
	ErrNoSession = errors.New("no active session")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func isDuplicate(err error) bool {
	return errors.Is(err, backend.ErrDuplicate)
}
