package models

import "errors"

var (
	ErrAdvisorUnavailable = errors.New("advisor is offline")
	ErrAdvisorBusy        = errors.New("advisor is busy")
	ErrAlreadyInSession   = errors.New("caller already has an active session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session already ended")
	ErrInsufficientFunds  = errors.New("insufficient wallet balance")
	ErrNotRegistered      = errors.New("user not registered on this connection")
	ErrNotParticipant     = errors.New("user is not a session participant")
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDatabaseQuery  = errors.New("database query error")
	ErrDatabaseInsert = errors.New("database insert error")
	ErrDatabaseUpdate = errors.New("database update error")
)

var (
	ErrRedisGet    = errors.New("redis get error")
	ErrRedisSet    = errors.New("redis set error")
	ErrRedisDelete = errors.New("redis delete error")
)
