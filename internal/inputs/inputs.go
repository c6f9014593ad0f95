// Package inputs turns command-line items into job targets.
package inputs

import (
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/k3vm/clop/internal/protocol"
)

// Options controls how items are expanded.
type Options struct {
	// Recursive descends into subdirectories of directory items
	Recursive bool

	// SkipErrors drops missing paths instead of failing
	SkipErrors bool
}

// ValidationError reports an unusable command-line item.
type ValidationError struct {
	Item    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Item, e.Message)
}

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// Collect resolves items into targets: remote URLs as given, files as
// absolute paths. Directories expand to the optimisable files they contain.
// Explicit items that are not optimisable are dropped.
func Collect(items []string, opts Options) ([]string, error) {
	var targets, dirs []string

	for _, item := range items {
		if protocol.IsRemote(item) {
			targets = append(targets, item)
			continue
		}

		path, err := localPath(item)
		if err != nil {
			return nil, &ValidationError{Item: item, Message: err.Error()}
		}

		info, err := os.Stat(path)
		if err != nil {
			if opts.SkipErrors {
				log.Printf("inputs: skipping %s: %v", path, err)
				continue
			}
			return nil, &ValidationError{Item: path, Message: "file does not exist"}
		}

		if info.IsDir() {
			dirs = append(dirs, path)
			continue
		}
		if IsOptimisable(path) {
			targets = append(targets, path)
		}
	}

	for _, dir := range dirs {
		found, err := walk(dir, opts.Recursive)
		if err != nil {
			if opts.SkipErrors {
				log.Printf("inputs: skipping %s: %v", dir, err)
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		targets = append(targets, found...)
	}

	return targets, nil
}

// IsOptimisable reports whether the file at path is an image, a video or a
// PDF, judged by its content.
func IsOptimisable(path string) bool {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for m := mtype; m != nil; m = m.Parent() {
		if optimisableType(m.String()) {
			return true
		}
	}
	return false
}

func optimisableType(mime string) bool {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.HasPrefix(mime, "image/") ||
		strings.HasPrefix(mime, "video/") ||
		mime == "application/pdf"
}

func localPath(item string) (string, error) {
	if strings.HasPrefix(item, "file:") {
		u, err := url.Parse(item)
		if err != nil {
			return "", err
		}
		item = u.Path
	}
	return filepath.Abs(item)
}

func walk(root string, recursive bool) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if !recursive || strings.HasPrefix(name, ".") || skippedDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if IsOptimisable(path) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}
