package ledger

import "errors"

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidReservation = errors.New("reservation already resolved or unknown")
	ErrInvalidAmount      = errors.New("invalid amount")
)
