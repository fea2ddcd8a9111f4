// ABOUTME: Per-session queue of files the agent's tools have marked for sharing
// ABOUTME: Drained by the dispatcher onto the final message of an invocation

package session

import (
	"sync"

	"github.com/2389/coven-relay/internal/platform"
)

// FileQueue collects shareable attachments per session.
type FileQueue struct {
	mu    sync.Mutex
	files map[string][]platform.Attachment
}

// NewFileQueue creates an empty FileQueue.
func NewFileQueue() *FileQueue {
	return &FileQueue{files: make(map[string][]platform.Attachment)}
}

// Push queues an attachment for sessionID.
func (q *FileQueue) Push(sessionID string, a platform.Attachment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.files[sessionID] = append(q.files[sessionID], a)
}

// Drain returns and removes every queued attachment for sessionID.
func (q *FileQueue) Drain(sessionID string) []platform.Attachment {
	q.mu.Lock()
	defer q.mu.Unlock()
	files := q.files[sessionID]
	delete(q.files, sessionID)
	return files
}

// Len returns the number of attachments queued for sessionID.
func (q *FileQueue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files[sessionID])
}
