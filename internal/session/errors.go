package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrDuplicateChunkNumber = errors.New("duplicate chunk number")
	ErrTotalChunksConflict  = errors.New("total chunks conflict")
	ErrInvalidChunkNumber   = errors.New("chunk number must be positive")
	// ErrInvalidSession is returned when a mutation requires an active session.
	ErrInvalidSession            = errors.New("session is not active")
	ErrEmptyNote                 = errors.New("note is empty")
	ErrNoteTooLong               = errors.New("note exceeds maximum length")
	ErrAudioProcessingIncomplete = errors.New("audio processing incomplete")
)
