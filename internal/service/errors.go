package service

import "errors"

var (
	// ErrNotPermitted is returned for operations the assistant conversation does not support.
	ErrNotPermitted = errors.New("operation not permitted")

	// ErrNotParticipant is returned when the current user is not a participant of the conversation.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrUnknownConversation is returned for ids that are neither loaded nor resolvable.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrNoSession is returned when the session is not connected.
	ErrNoSession = errors.New("session not connected")
)
