package auth

import "errors"

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")

	ErrDuplicateUsername = errors.New("auth: username already exists")
	ErrDuplicateName     = errors.New("auth: name already exists")
	ErrAlreadyAssigned   = errors.New("auth: already assigned")
	ErrNotAssigned       = errors.New("auth: not assigned")

	ErrUserNotFound = errors.New("auth: user not found")
	ErrUserInactive = errors.New("auth: user inactive")

	// ErrAuthenticationFailed never says whether the user or the password was wrong.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrInvalidRefreshToken  = errors.New("auth: invalid refresh token")
)
