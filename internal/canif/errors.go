package canif

import "errors"

// Sentinel errors. Returned errors wrap one of these together with the
// underlying ring or adapter cause, so both can be tested with errors.Is.
var (
	ErrInit           = errors.New("canif: init")
	ErrNullParam      = errors.New("canif: null parameter")
	ErrInvalidMessage = errors.New("canif: invalid message")
	ErrFull           = errors.New("canif: tx queue full")
	ErrNotOK          = errors.New("canif: not ok")
)
