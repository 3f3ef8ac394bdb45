package session

import "errors"

var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrEndpointUnreachable  = errors.New("endpoint unreachable")
	ErrUserCancelled        = errors.New("cancelled by user")
	ErrEngineFault          = errors.New("unexpected engine fault")
	ErrInvalidRecord        = errors.New("invalid session record")
	ErrSessionExists        = errors.New("session already exists")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionRunning       = errors.New("session is running")
	ErrBatchNotFound        = errors.New("batch not found")
)
