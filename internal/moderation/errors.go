package moderation

import "fmt"

// ClassifierError means the classifier could not produce a usable score.
// The message is dropped: nothing is persisted, broadcast or added to risk.
type ClassifierError struct {
	Err error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("moderation: classifier: %v", e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

// PersistenceError means a message was moderated but could not be stored.
type PersistenceError struct {
	Status Status
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("moderation: persist %s message: %v", e.Status, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
