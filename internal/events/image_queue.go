package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

var (
	ErrQueueFull    = errors.New("image queue is full")
	ErrInvalidTask  = errors.New("invalid image task")
	ErrInvalidQueue = errors.New("image queue path is required")
)

// ImageQueue hands files to the out-of-process image extractor.
type ImageQueue interface {
	Enqueue(ctx context.Context, task models.ImageTask) error
}

// FileImageQueue persists pending tasks as a JSON snapshot so the extractor
// can pick them up across restarts. Every operation holds an exclusive flock
// on a sidecar lock file and re-reads the snapshot, so any number of processes
// may share one path.
type FileImageQueue struct {
	path         string
	lockPath     string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
}

type fileImageQueueState struct {
	Items []models.ImageTask `json:"items"`
}

func NewFileImageQueue(path string, capacity int) (*FileImageQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidQueue
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating image queue directory: %w", err)
	}
	q := &FileImageQueue{
		path:         path,
		lockPath:     path + ".lock",
		capacity:     capacity,
		pollInterval: 50 * time.Millisecond,
	}
	// a snapshot written with a larger capacity keeps its newest tasks
	err := q.update(func(items []models.ImageTask) ([]models.ImageTask, bool, error) {
		if len(items) > q.capacity {
			return items[len(items)-q.capacity:], true, nil
		}
		return items, false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error loading image queue %s: %w", path, err)
	}
	return q, nil
}

// Enqueue never blocks on capacity: a full queue is reported, not waited on.
func (q *FileImageQueue) Enqueue(ctx context.Context, task models.ImageTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.FileID <= 0 || strings.TrimSpace(task.Path) == "" {
		return ErrInvalidTask
	}
	return q.update(func(items []models.ImageTask) ([]models.ImageTask, bool, error) {
		if len(items) >= q.capacity {
			return nil, false, ErrQueueFull
		}
		return append(items, task), true, nil
	})
}

// TryDequeue removes the oldest task if there is one.
func (q *FileImageQueue) TryDequeue(ctx context.Context) (models.ImageTask, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ImageTask{}, false, err
	}
	var head models.ImageTask
	found := false
	err := q.update(func(items []models.ImageTask) ([]models.ImageTask, bool, error) {
		if len(items) == 0 {
			return items, false, nil
		}
		head, found = items[0], true
		return items[1:], true, nil
	})
	if err != nil {
		return models.ImageTask{}, false, err
	}
	return head, found, nil
}

// Dequeue waits for a task until ctx is done.
func (q *FileImageQueue) Dequeue(ctx context.Context) (models.ImageTask, bool) {
	for {
		task, ok, err := q.TryDequeue(ctx)
		if ok {
			return task, true
		}
		if err != nil && ctx.Err() != nil {
			return models.ImageTask{}, false
		}
		select {
		case <-ctx.Done():
			return models.ImageTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileImageQueue) Depth() (int, error) {
	depth := 0
	err := q.update(func(items []models.ImageTask) ([]models.ImageTask, bool, error) {
		depth = len(items)
		return items, false, nil
	})
	return depth, err
}

// update runs fn on the current snapshot under the queue lock and writes the
// result back when fn reports a change.
func (q *FileImageQueue) update(fn func([]models.ImageTask) ([]models.ImageTask, bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()

	items, err := q.read()
	if err != nil {
		return err
	}
	next, changed, err := fn(items)
	if err != nil || !changed {
		return err
	}
	return q.write(next)
}

func (q *FileImageQueue) lock() (func(), error) {
	f, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening image queue lock: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error locking image queue: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (q *FileImageQueue) read() ([]models.ImageTask, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snapshot fileImageQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot.Items, nil
}

func (q *FileImageQueue) write(items []models.ImageTask) error {
	if items == nil {
		items = []models.ImageTask{}
	}
	data, err := json.Marshal(fileImageQueueState{Items: items})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// NoopImageQueue is used when image extraction is disabled.
type NoopImageQueue struct{}

func (NoopImageQueue) Enqueue(context.Context, models.ImageTask) error { return nil }
