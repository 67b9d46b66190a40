// Package fileregistry serves the coordination directory from an
// operator-maintained YAML file. It suits single-operator and lab clusters
// where a shared file (NFS, config management) is the source of truth.
//
//	members:
//	  - 10.0.0.1:5000
//	assignments:
//	  10.0.0.1:5000:
//	    image: nginx:1.27
//	    ports:
//	      - container_port: 80
//	        host_port: 8080
//
// The file is re-read whenever its modification time changes. Nodes never
// write it, so Register always reports registry.ErrReadOnly.
package fileregistry

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/canteen/pkg/registry"
)

// Document is the on-disk layout
type Document struct {
	Members     []string                       `yaml:"members"`
	Assignments map[string]registry.Assignment `yaml:"assignments"`
}

// File is a registry.Directory backed by a YAML document
type File struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	doc     Document
}

// Open loads path once so configuration errors surface at startup
func Open(path string) (*File, error) {
	f := &File{path: path}
	if _, err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// load returns the current document, re-reading the file if it changed
func (f *File) load() (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}
	if !f.modTime.IsZero() && info.ModTime().Equal(f.modTime) {
		return f.doc, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %s: %v", registry.ErrInvalidResponse, f.path, err)
	}
	for host, a := range doc.Assignments {
		if err := a.Validate(); err != nil {
			return Document{}, fmt.Errorf("assignment for %s: %w", host, err)
		}
	}

	f.doc = doc
	f.modTime = info.ModTime()
	return doc, nil
}

// Assignment implements registry.Directory
func (f *File) Assignment(_ context.Context, host string) (registry.Assignment, error) {
	doc, err := f.load()
	if err != nil {
		return registry.Assignment{}, err
	}
	return doc.Assignments[host], nil
}

// IsActive implements registry.Directory
func (f *File) IsActive(_ context.Context, host string) (bool, error) {
	doc, err := f.load()
	if err != nil {
		return false, err
	}
	return slices.Contains(doc.Members, host), nil
}

// Register implements registry.Directory
func (f *File) Register(context.Context, string) error {
	return registry.ErrReadOnly
}

// Ping reports whether the file is still readable and valid
func (f *File) Ping(context.Context) error {
	_, err := f.load()
	return err
}

func (f *File) Close() error { return nil }

var _ registry.Directory = (*File)(nil)
