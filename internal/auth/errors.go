package auth

import "errors"

var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTicketInvalid = errors.New("invalid or expired ticket")
	ErrNoSecret      = errors.New("no signing secret configured")
)
