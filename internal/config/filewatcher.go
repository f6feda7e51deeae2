package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"time"
)

const maxDurWithoutHashing time.Duration = 10 * time.Minute

var defaultPollInterval = 5 * time.Second

// FileChangedHandler receives the new file content whenever the watched
// file's content changes.
type FileChangedHandler func(file []byte)

// ErrorHandler receives any error encountered while polling the file.
type ErrorHandler func(err error)

// FileWatcher polls a configuration file for changes, using mtime/size
// as a cheap first filter and a SHA-256 hash to confirm the content
// actually changed before firing FileChangedHandler. It is the
// mechanism the engine uses to hot-reload the rule table without a
// restart.
type FileWatcher struct {
	filePath string

	Interval           time.Duration
	FileChangedHandler FileChangedHandler
	ErrorHandler       ErrorHandler

	// ReturnBytesOnInit makes the first checkOnce call emit the file's
	// initial content through FileChangedHandler instead of only
	// priming state silently. The engine's WatchConfig leaves it unset:
	// the configuration is already loaded before watching starts.
	ReturnBytesOnInit bool

	lastSize        int64
	lastFileModTime time.Time
	lastHash        []byte
	lastHashingTime time.Time
}

// NewFileWatcher creates a FileWatcher for filePath. Callers must set
// FileChangedHandler and/or ErrorHandler before calling Watch.
func NewFileWatcher(filePath string) *FileWatcher {
	return &FileWatcher{filePath: filePath}
}

// Watch polls the file until ctx is cancelled. It runs in the caller's
// goroutine; callers that want it in the background should `go` it.
func (fw *FileWatcher) Watch(ctx context.Context) {
	interval := fw.Interval
	if interval == 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fw.pollOnce(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fw.pollOnce(false)
		}
	}
}

func (fw *FileWatcher) pollOnce(isInit bool) {
	fileData, err := fw.checkOnce(isInit)
	if err != nil {
		if fw.ErrorHandler != nil {
			fw.ErrorHandler(err)
		}
		return
	}
	if fileData != nil && fw.FileChangedHandler != nil {
		fw.FileChangedHandler(fileData)
	}
}

func (fw *FileWatcher) checkOnce(isInit bool) ([]byte, error) {
	info, err := os.Stat(fw.filePath)
	if err != nil {
		return nil, err
	}
	newModTime := info.ModTime()
	newSize := info.Size()

	if fw.lastFileModTime.IsZero() {
		fileData, err := fw.getContent()
		if err != nil {
			return nil, err
		}
		hash := hashOf(fileData)
		fw.lastHashingTime = time.Now()
		fw.update(newModTime, newSize, hash)

		if isInit && fw.ReturnBytesOnInit {
			return fileData, nil
		}
		return nil, nil
	}

	if newModTime.Equal(fw.lastFileModTime) && newSize == fw.lastSize && !fw.hashingRequired() {
		return nil, nil
	}

	fileData, err := fw.getContent()
	if err != nil {
		return nil, err
	}
	fw.lastHashingTime = time.Now()
	hash := hashOf(fileData)
	if bytes.Equal(hash, fw.lastHash) {
		return nil, nil
	}

	fw.update(newModTime, newSize, hash)
	return fileData, nil
}

func (fw *FileWatcher) update(modTime time.Time, size int64, hash []byte) {
	fw.lastFileModTime = modTime
	fw.lastSize = size
	fw.lastHash = hash
}

func (fw *FileWatcher) getContent() ([]byte, error) {
	return os.ReadFile(fw.filePath)
}

func hashOf(file []byte) []byte {
	sum := sha256.Sum256(file)
	return sum[:]
}

func (fw *FileWatcher) hashingRequired() bool {
	return time.Since(fw.lastHashingTime) > maxDurWithoutHashing
}
