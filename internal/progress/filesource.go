package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const recordExt = ".json"

// fileRecord is the on-disk form of a published progress record.
type fileRecord struct {
	URL         string  `json:"url"`
	Fraction    float64 `json:"fraction"`
	Description string  `json:"description,omitempty"`
}

// Key returns the file name stem under which progress for target is
// published.
func Key(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:])[:16]
}

// FileSource reads progress that the background process publishes as one
// JSON file per target inside a directory. Writing the file publishes or
// updates progress; deleting it retires the target.
type FileSource struct {
	dir     string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	subs   map[string]map[uint64]func(Update)
	nextID uint64

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileSource starts watching dir, creating it if needed.
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create progress directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create progress watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch progress directory: %w", err)
	}

	s := &FileSource{
		dir:      dir,
		watcher:  watcher,
		subs:     make(map[string]map[uint64]func(Update)),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.processEvents()

	return s, nil
}

// Dir returns the watched directory.
func (s *FileSource) Dir() string {
	return s.dir
}

// Close stops watching. Subscriptions receive no further updates.
func (s *FileSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

// Subscribe registers fn for progress of target. If progress is already
// published, fn is called with it before Subscribe returns.
func (s *FileSource) Subscribe(target string, fn func(Update)) (Subscription, error) {
	key := Key(target)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]func(Update))
	}
	s.subs[key][id] = fn
	s.mu.Unlock()

	if rec, err := readRecord(s.path(key)); err == nil {
		fn(Update{Fraction: rec.Fraction, Description: rec.Description})
	}

	return &fileSubscription{source: s, key: key, id: id}, nil
}

func (s *FileSource) unsubscribe(key string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[key], id)
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}

func (s *FileSource) path(key string) string {
	return filepath.Join(s.dir, key+recordExt)
}

func (s *FileSource) processEvents() {
	defer close(s.done)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("progress watcher error: %v", err)

		case <-s.stopChan:
			return
		}
	}
}

func (s *FileSource) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
		return
	}
	key := strings.TrimSuffix(name, recordExt)

	s.mu.Lock()
	fns := make([]func(Update), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	var update Update
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Publish replaces the file by rename; on some platforms that is
		// reported as a removal of the old file.
		if _, err := os.Stat(event.Name); err == nil {
			return
		}
		update = Update{Retired: true}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		rec, err := readRecord(event.Name)
		if err != nil {
			// The file vanished or is mid-write; the next event carries it.
			return
		}
		update = Update{Fraction: rec.Fraction, Description: rec.Description}
	default:
		return
	}

	for _, fn := range fns {
		fn(update)
	}
}

type fileSubscription struct {
	source *FileSource
	key    string
	id     uint64
	once   sync.Once
}

func (f *fileSubscription) Close() error {
	f.once.Do(func() {
		f.source.unsubscribe(f.key, f.id)
	})
	return nil
}

func readRecord(path string) (fileRecord, error) {
	var rec fileRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse progress record %s: %w", path, err)
	}
	return rec, nil
}

// Publish writes the progress of target into dir, replacing the previous
// record atomically.
func Publish(dir, target string, fraction float64, description string) error {
	data, err := json.Marshal(fileRecord{URL: target, Fraction: fraction, Description: description})
	if err != nil {
		return err
	}

	key := Key(target)
	tmp, err := os.CreateTemp(dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("publish progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish progress: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, key+recordExt)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// Retire removes the published progress of target. Retiring a target that
// has nothing published is not an error.
func Retire(dir, target string) error {
	err := os.Remove(filepath.Join(dir, Key(target)+recordExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retire progress: %w", err)
	}
	return nil
}
