package scheduler

import "errors"

// ErrQueueFull rejects a new message when the session queue is at
// capacity and the drop policy keeps old entries.
var ErrQueueFull = errors.New("session queue is full")

// ErrQueueDropped resolves a queued message that was evicted to make
// room for a newer one.
var ErrQueueDropped = errors.New("message dropped from queue")
