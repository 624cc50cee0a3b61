package account

import "errors"

// Sentinel errors naming the kinds of the taxonomy in §7. Account methods
// return ErrAlreadyOpen and ErrNotOpen themselves; the other values are not
// returned by any function in this module. Not-found, incomplete-message and
// cancellation failures reach callers as folder.ErrNotFound,
// message.ErrNotFound, message.ErrIncomplete and database.ErrCancelled.
var (
	ErrAlreadyOpen        = errors.New("account: already open")
	ErrNotOpen            = errors.New("account: not open")
	ErrNotFound           = errors.New("account: not found")
	ErrBadParameters      = errors.New("account: bad parameters")
	ErrIncompleteMessage  = errors.New("account: incomplete message")
	ErrDatabaseCorruption = errors.New("account: database corruption")
	ErrCancelled          = errors.New("account: operation cancelled")
)
