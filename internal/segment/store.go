package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	filenameLayout = "2006-01-02_1504"
)

// ContentTypes maps the recognized archive file extensions to their MIME
// types. A date directory may contain any mix of these: the raw container
// written by ingestion plus the compressed artifacts that replace it.
var ContentTypes = map[string]string{
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".opus": "audio/opus",
}

// ValidDate reports whether s names a date directory in the archive layout.
func ValidDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// Store is the authority for the archive directory layout: one subdirectory
// per calendar date, one file per segment named by creation date and minute.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", dir, err)
	}

	return &Store{root: dir}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// SegmentPath derives the deterministic path for a segment created at t:
// a date-partitioned directory and a minute-resolution filename. Two segments
// created within the same minute collide; segments are minutes long, so this
// is accepted rather than worked around.
func (s *Store) SegmentPath(t time.Time) string {
	return filepath.Join(s.root, t.Format(dateLayout), t.Format(filenameLayout)+".wav")
}

// FileInfo describes one archived recording.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Dates returns the date directories present under the root, newest first.
// Entries that do not parse as ISO dates are ignored.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage root %s: %w", s.root, err)
	}

	dates := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, entry.Name()); err != nil {
			continue
		}
		dates = append(dates, entry.Name())
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Files returns the recordings under one date directory, sorted by name.
// Files with unrecognized extensions are ignored. A missing date directory
// yields an empty list, since the compression dispatcher may delete files at
// any time.
func (s *Store) Files(date string) ([]FileInfo, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, date))
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read date directory %s: %w", date, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := ContentTypes[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// File removed between listing and stat; readers must tolerate this.
			continue
		}

		files = append(files, FileInfo{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Resolve maps a date and filename to an absolute path under the root,
// rejecting anything that would escape the storage directory or carries an
// unrecognized extension.
func (s *Store) Resolve(date, name string) (string, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}

	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	if _, ok := ContentTypes[strings.ToLower(filepath.Ext(name))]; !ok {
		return "", fmt.Errorf("unrecognized file extension for %q", name)
	}

	return filepath.Join(s.root, date, name), nil
}
