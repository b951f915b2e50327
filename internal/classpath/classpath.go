// Package classpath opens a list of jar archives and class directories and
// finds class files in them, in classpath order.
package classpath

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrClassNotFound = errors.New("class not found")
var ErrAlreadyClosed = errors.New("class loading context already closed")

// Location is where a class file was found.
type Location struct {
	// Classpath entry holding the class, as passed to Open
	Entry string
	// Slash separated name of the class file inside the entry
	Name string
	Size int64
}

type entry interface {
	stat(name string) (int64, bool)
	close() error
}

type archiveEntry struct {
	reader *zip.ReadCloser
	files  map[string]*zip.File
}

func openArchive(path string) (*archiveEntry, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}

	files := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		// First one wins, like the JVM does for duplicate jar entries
		if _, ok := files[file.Name]; !ok {
			files[file.Name] = file
		}
	}

	return &archiveEntry{reader: reader, files: files}, nil
}

func (a *archiveEntry) stat(name string) (int64, bool) {
	file, ok := a.files[name]
	if !ok || file.FileInfo().IsDir() {
		return 0, false
	}
	return int64(file.UncompressedSize64), true
}

func (a *archiveEntry) close() error {
	return a.reader.Close()
}

type directoryEntry struct {
	root *os.Root
}

func (d *directoryEntry) stat(name string) (int64, bool) {
	info, err := d.root.Stat(filepath.FromSlash(name))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

func (d *directoryEntry) close() error {
	return d.root.Close()
}

// Context is an open classpath. It is safe for concurrent use.
type Context struct {
	paths   []string
	entries []entry

	lock   sync.RWMutex
	closed bool
}

// Open opens every classpath entry. Directories are searched as class roots,
// everything else is read as a jar. If any entry fails to open, the ones
// already opened are closed again.
func Open(paths []string) (*Context, error) {
	ctx := &Context{
		paths:   make([]string, 0, len(paths)),
		entries: make([]entry, 0, len(paths)),
	}

	for _, path := range paths {
		e, err := openEntry(path)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open classpath entry %s: %w", path, err), ctx.Close())
		}
		ctx.paths = append(ctx.paths, path)
		ctx.entries = append(ctx.entries, e)
	}

	return ctx, nil
}

func openEntry(path string) (entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		root, err := os.OpenRoot(path)
		if err != nil {
			return nil, err
		}
		return &directoryEntry{root: root}, nil
	}

	return openArchive(path)
}

// Split splits a classpath string on the OS list separator, dropping empty entries.
func Split(classpath string) []string {
	var paths []string
	for _, path := range filepath.SplitList(classpath) {
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// FileName returns the class file name for a binary class name,
// e.g. com/example/Outer$Inner.class for com.example.Outer$Inner.
func FileName(className string) string {
	return strings.ReplaceAll(className, ".", "/") + ".class"
}

// Entries returns the classpath entries in search order.
func (c *Context) Entries() []string {
	return append([]string(nil), c.paths...)
}

// Find returns the first classpath entry holding className.
func (c *Context) Find(className string) (Location, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.closed {
		return Location{}, ErrAlreadyClosed
	}

	name := FileName(className)
	if className == "" || !fs.ValidPath(name) {
		return Location{}, fmt.Errorf("%w: invalid class name %q", ErrClassNotFound, className)
	}

	for i, e := range c.entries {
		if size, ok := e.stat(name); ok {
			return Location{Entry: c.paths[i], Name: name, Size: size}, nil
		}
	}

	return Location{}, fmt.Errorf("%w: %s", ErrClassNotFound, className)
}

// Close closes every entry. Later calls return ErrAlreadyClosed.
func (c *Context) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	c.closed = true

	var err error
	for _, e := range c.entries {
		err = errors.Join(err, e.close())
	}
	return err
}
