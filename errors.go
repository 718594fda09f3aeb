package linkd

import serrors "github.com/clinio/linkd/errors"

// Re-exported from the errors package so callers of the root package do
// not need a second import for the common cases.
var (
	ErrSessionNotFound     = serrors.ErrSessionNotFound
	ErrCredentialNotFound  = serrors.ErrCredentialNotFound
	ErrInvalidPairingToken = serrors.ErrInvalidPairingToken
	ErrPairingExpired      = serrors.ErrPairingExpired
	ErrAlreadyConnected    = serrors.ErrAlreadyConnected
	ErrCredentialExpired   = serrors.ErrCredentialExpired
	ErrInvalidGrant        = serrors.ErrInvalidGrant
	ErrConflict            = serrors.ErrConflict
	ErrTransient           = serrors.ErrTransient
)
