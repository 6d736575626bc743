// Package store defines the remote document store the room layer is built on.
//
// Documents are JSON values addressed by slash separated paths such as
// rooms/ABCD or answers/ABCD/<participant>. A path that ends in "/" names the
// set of documents below it and is accepted by List, DeletePrefix and Watch.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when no document exists at the path.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Creator.Create when the path is already set.
	ErrExists = errors.New("document already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Entry is one document observed in the store.
type Entry struct {
	Path     string
	Value    []byte
	Revision uint64    // monotonic per backend; 0 when the backend has none
	Updated  time.Time // server-assigned write time; zero when unknown
	Deleted  bool
}

// Store is the contract every backend satisfies.
type Store interface {
	Get(ctx context.Context, path string) (Entry, error)
	Put(ctx context.Context, path string, value []byte) (Entry, error)
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
	// List returns every document below prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)
	DeletePrefix(ctx context.Context, prefix string) error
	// Watch streams the current value(s) at path followed by every change.
	// The channel is closed when ctx ends or the transport fails; callers
	// that want continuous delivery resubscribe.
	Watch(ctx context.Context, path string) (<-chan Entry, error)
	Close() error
}

// Creator is implemented by backends with an atomic create-if-absent write.
type Creator interface {
	Create(ctx context.Context, path string, value []byte) (Entry, error)
}

// Expirer is implemented by backends that remove documents on their own after
// a TTL, for example a bucket with a max age.
type Expirer interface {
	Expires(path string) bool
}

// IsPrefix reports whether path names a subtree.
func IsPrefix(path string) bool {
	return strings.HasSuffix(path, "/")
}

// Matches reports whether a document path is covered by a watch path.
func Matches(watch, path string) bool {
	if IsPrefix(watch) {
		return strings.HasPrefix(path, watch)
	}
	return watch == path
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Base returns the last segment of a path.
func Base(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Root returns the first segment of a path.
func Root(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// RoomPath is the room document.
func RoomPath(code string) string { return Join("rooms", code) }

// LockPath is the advisory roster lock.
func LockPath(code string) string { return Join("locks", code) }

func MessagesPrefix(code string) string { return Join("messages", code) + "/" }

func MessagePath(code, id string) string { return Join("messages", code, id) }

func AnswersPrefix(code string) string { return Join("answers", code) + "/" }

func AnswerPath(code, participantID string) string { return Join("answers", code, participantID) }

func PowerupsPrefix(code string) string { return Join("powerups", code) + "/" }

func PowerupPath(code, team, key string) string { return Join("powerups", code, team+"_"+key) }

func PresencePrefix(code string) string { return Join("presence", code) + "/" }

func PresencePath(code, participantID string) string { return Join("presence", code, participantID) }
