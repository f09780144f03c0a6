package publish

import (
	"context"
	"errors"
	"fmt"

	"crosspost/internal/storage"
)

// Retry publishes eventID to a single platform in a brand-new session.
// It never touches the session that failed; checking that the earlier run
// was retryable is the caller's job (see RetryFrom).
func (c *Coordinator) Retry(ctx context.Context, eventID, platformID string) (string, error) {
	return c.accept(ctx, eventID, []string{platformID}, true)
}

// RetryFrom retries platformID only if its run in the stored session
// (eventID, sessionID) failed and was flagged retryable.
func (c *Coordinator) RetryFrom(ctx context.Context, eventID, sessionID, platformID string) (string, error) {
	rec, err := c.store.GetResult(ctx, eventID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	run, ok := rec.Run(platformID)
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", ErrValidation, ErrUnknownPlatform, platformID)
	}
	if run.Success || !run.Retryable {
		return "", ErrNotRetryable
	}
	return c.Retry(ctx, eventID, platformID)
}

// RetryablePlatforms lists the platforms of a stored session that may be retried.
func (c *Coordinator) RetryablePlatforms(ctx context.Context, eventID, sessionID string) ([]string, error) {
	rec, err := c.store.GetResult(ctx, eventID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range rec.Runs {
		if !r.Success && r.Retryable {
			out = append(out, r.Platform)
		}
	}
	return out, nil
}

// Result returns a finished session from the result store. Sessions that
// are unknown or still running yield ErrSessionNotFound.
func (c *Coordinator) Result(ctx context.Context, eventID, sessionID string) (storage.SessionRecord, error) {
	rec, err := c.store.GetResult(ctx, eventID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SessionRecord{}, ErrSessionNotFound
	}
	return rec, err
}

// History lists an event's finished sessions, newest first.
func (c *Coordinator) History(ctx context.Context, eventID string, limit int) ([]storage.SessionRecord, error) {
	return c.store.ListResults(ctx, eventID, limit)
}
