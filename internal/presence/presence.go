// Package presence tracks which identities are connected anywhere in the
// fleet. Presence is reference-counted by live session: an identity stays in
// the online set until its last session is removed.
package presence

import "context"

// Registry is the presence store shared by every chat server instance.
type Registry interface {
	// Add records sessionID as live for subject. first is true when this
	// session brought the subject online.
	Add(ctx context.Context, subject, sessionID string) (first bool, err error)

	// Remove drops sessionID for subject. last is true when the subject has
	// no sessions left and was removed from the online set. Removing an
	// unknown session is a no-op.
	Remove(ctx context.Context, subject, sessionID string) (last bool, err error)

	// Online returns the current online set, sorted.
	Online(ctx context.Context) ([]string, error)
}
