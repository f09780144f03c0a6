// Package catalog resolves event ids to the announcement content that gets
// published. Rendering and locale resolution happen upstream; a catalog
// only hands out what was authored.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/publish"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// file is the on-disk shape of one event.
type file struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary,omitempty"`
	Body     string   `json:"body"`
	URL      string   `json:"url,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Location string   `json:"location,omitempty"`
	StartsAt string   `json:"starts_at,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Locale   string   `json:"locale,omitempty"`
}

var extensions = []string{".yaml", ".yml", ".json"}

// Dir reads events from <dir>/<eventId>.yaml|.yml|.json. Files are parsed
// on every lookup so edits show up without a restart.
type Dir struct {
	mu   sync.RWMutex
	root string
}

func NewDir(root string) *Dir { return &Dir{root: root} }

// SetRoot points the catalog at another directory (config reload).
func (d *Dir) SetRoot(root string) {
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
}

func (d *Dir) Root() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

func (d *Dir) Lookup(ctx context.Context, eventID string) (publish.Content, error) {
	if err := ctx.Err(); err != nil {
		return publish.Content{}, err
	}
	if !idPattern.MatchString(eventID) {
		return publish.Content{}, fmt.Errorf("%w: %q", publish.ErrEventNotFound, eventID)
	}
	root := d.Root()
	for _, ext := range extensions {
		path := filepath.Join(root, eventID+ext)
		b, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return publish.Content{}, fmt.Errorf("read event %s: %w", eventID, err)
		}
		return Parse(eventID, path, b)
	}
	return publish.Content{}, fmt.Errorf("%w: %s", publish.ErrEventNotFound, eventID)
}

// IDs lists the events available in the directory, sorted.
func (d *Dir) IDs() ([]string, error) {
	entries, err := os.ReadDir(d.Root())
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if _, dup := seen[id]; dup || !idPattern.MatchString(id) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Parse decodes one event document. name decides the format by extension.
func Parse(eventID, name string, data []byte) (publish.Content, error) {
	j, err := config.YAMLToJSON(name, data)
	if err != nil {
		return publish.Content{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()
	var f file
	if err := dec.Decode(&f); err != nil {
		return publish.Content{}, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	if strings.TrimSpace(f.Title) == "" {
		return publish.Content{}, fmt.Errorf("%s: title is required", filepath.Base(name))
	}

	c := publish.Content{
		EventID:  eventID,
		Title:    strings.TrimSpace(f.Title),
		Summary:  f.Summary,
		Body:     f.Body,
		URL:      f.URL,
		ImageURL: f.ImageURL,
		Location: f.Location,
		Tags:     f.Tags,
		Locale:   f.Locale,
	}
	if f.StartsAt != "" {
		t, err := time.Parse(time.RFC3339, f.StartsAt)
		if err != nil {
			return publish.Content{}, fmt.Errorf("%s: starts_at: %w", filepath.Base(name), err)
		}
		c.StartsAt = t
	}
	return c, nil
}

// Memory is an in-process catalog, handy for tests and demos.
type Memory struct {
	mu     sync.RWMutex
	events map[string]publish.Content
}

func NewMemory(events ...publish.Content) *Memory {
	m := &Memory{events: make(map[string]publish.Content, len(events))}
	for _, c := range events {
		m.events[c.EventID] = c
	}
	return m
}

func (m *Memory) Put(c publish.Content) {
	m.mu.Lock()
	m.events[c.EventID] = c
	m.mu.Unlock()
}

func (m *Memory) Lookup(_ context.Context, eventID string) (publish.Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.events[eventID]
	if !ok {
		return publish.Content{}, fmt.Errorf("%w: %s", publish.ErrEventNotFound, eventID)
	}
	return c, nil
}
