package domain

import "errors"

// Error taxonomy (sentinels). Every stage failure wraps exactly one of
// these so the retry harness can match on kind instead of string contents.
var (
	// ErrTransient covers network failures, 5xx, 429 and timeouts.
	ErrTransient = errors.New("transient")
	// ErrBudget means a daily quota would be exceeded; refuse, never retry.
	ErrBudget = errors.New("budget exceeded")
	// ErrValidation covers schema failures, bad tag counts and rejected images.
	ErrValidation = errors.New("validation failed")
	// ErrPolicy covers filter drops: NSFW, below thresholds, non-API hosts.
	ErrPolicy = errors.New("policy rejected")
	// ErrTerminal is a non-retryable upstream failure (4xx other than 401/429).
	ErrTerminal = errors.New("terminal")
	// ErrIntegrity is a unique-constraint violation; treated as success by
	// the Collector (the post is already known).
	ErrIntegrity = errors.New("integrity violation")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

// Retryable reports whether the error should go back through the retry
// harness. Only transient errors are retried; everything else is final at
// the stage boundary.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
