package voip

import "errors"

var (
	ErrClientIDInUse      = errors.New("client id already in use")
	ErrNickInUse          = errors.New("nickname already in use")
	ErrNoSuchChannel      = errors.New("no such channel")
	ErrNotOnChannel       = errors.New("not on channel")
	ErrAlreadyOnChannel   = errors.New("already on channel")
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrAlreadyRegistered  = errors.New("session already registered")
	ErrIDSpaceExhausted   = errors.New("no free client id")
)
