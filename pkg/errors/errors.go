package errors

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserBanned        = errors.New("user is banned")
	ErrInvalidNickname   = errors.New("invalid nickname")
	ErrInvalidGame       = errors.New("invalid game")
	ErrInvalidMode       = errors.New("invalid mode")
	ErrAlreadyInQueue    = errors.New("already in queue")
	ErrQueueProcessing   = errors.New("queue join in progress")
	ErrMatchNotFound     = errors.New("match not found")
	ErrLobbyAccessDenied = errors.New("lobby access denied")
	ErrLobbyClosed       = errors.New("lobby closed")
)
