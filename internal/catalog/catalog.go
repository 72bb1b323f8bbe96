// Package catalog discovers the workflows available to load.
//
// Every immediate subfolder of the workflow directory is one workflow. It
// must hold a graph .json file and may hold a preview image and a .txt
// description. When a folder has several candidates the first by name
// wins.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/media"
)

// DefaultDescription is used when a workflow has no .txt file.
const DefaultDescription = "No description"

var (
	// ErrWorkflowNotFound is returned when no workflow has the given name
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrInvalidName is returned for names that are not a single folder
	ErrInvalidName = errors.New("invalid workflow name")
)

// Workflow describes one catalog entry. Paths are relative to the
// catalog root.
type Workflow struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Preview     string `json:"preview,omitempty"`
	GraphFile   string `json:"graph"`
}

// Catalog reads workflows from a directory tree.
type Catalog struct {
	fsys   fs.FS
	logger *logging.Logger
}

// New creates a Catalog over the directory dir.
func New(dir string, logger *logging.Logger) *Catalog {
	return NewFS(os.DirFS(dir), logger)
}

// NewFS creates a Catalog over fsys.
func NewFS(fsys fs.FS, logger *logging.Logger) *Catalog {
	return &Catalog{fsys: fsys, logger: logging.OrDiscard(logger)}
}

// Scan lists every workflow, sorted by name. Folders without a graph file
// are skipped.
func (c *Catalog) Scan() ([]Workflow, error) {
	files, err := doublestar.Glob(c.fsys, "*/*")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	sort.Strings(files)

	byFolder := make(map[string][]string)
	var folders []string
	for _, f := range files {
		dir, name := path.Split(f)
		dir = strings.TrimSuffix(dir, "/")
		if strings.HasPrefix(dir, ".") || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := byFolder[dir]; !ok {
			folders = append(folders, dir)
		}
		byFolder[dir] = append(byFolder[dir], name)
	}

	var out []Workflow
	for _, dir := range folders {
		wf, ok := c.describe(dir, byFolder[dir])
		if !ok {
			c.logger.Warn("Skipping workflow folder %q: no graph file", dir)
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (c *Catalog) describe(dir string, names []string) (Workflow, bool) {
	wf := Workflow{Name: dir, Description: DefaultDescription}

	var txt string
	for _, name := range names {
		ext := media.Extension(name)
		switch {
		case ext == "json" && wf.GraphFile == "":
			wf.GraphFile = path.Join(dir, name)
		case ext == "txt" && txt == "":
			txt = path.Join(dir, name)
		case wf.Preview == "" && isPreview(ext):
			wf.Preview = path.Join(dir, name)
		}
	}
	if wf.GraphFile == "" {
		return Workflow{}, false
	}

	if txt != "" {
		data, err := fs.ReadFile(c.fsys, txt)
		if err != nil {
			c.logger.Warn("Failed to read description %q: %v", txt, err)
		} else if d := strings.TrimSpace(string(data)); d != "" {
			wf.Description = d
		}
	}
	return wf, true
}

func isPreview(ext string) bool {
	for _, p := range media.PreviewExtensions() {
		if ext == p {
			return true
		}
	}
	return false
}

// Search returns the workflows whose name or description contains term,
// ignoring case. An empty term matches everything.
func Search(workflows []Workflow, term string) []Workflow {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return workflows
	}
	var out []Workflow
	for _, wf := range workflows {
		if strings.Contains(strings.ToLower(wf.Name), term) ||
			strings.Contains(strings.ToLower(wf.Description), term) {
			out = append(out, wf)
		}
	}
	return out
}

// Find returns the workflow called name.
func (c *Catalog) Find(name string) (Workflow, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Workflow{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	all, err := c.Scan()
	if err != nil {
		return Workflow{}, err
	}
	for _, wf := range all {
		if wf.Name == name {
			return wf, nil
		}
	}
	return Workflow{}, fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
}

// Load reads and parses the graph of the workflow called name.
func (c *Catalog) Load(name string) (Workflow, graph.Graph, error) {
	wf, err := c.Find(name)
	if err != nil {
		return Workflow{}, nil, err
	}
	data, err := fs.ReadFile(c.fsys, wf.GraphFile)
	if err != nil {
		return Workflow{}, nil, fmt.Errorf("failed to read %q: %w", wf.GraphFile, err)
	}
	g, err := graph.Parse(data)
	if err != nil {
		return Workflow{}, nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	return wf, g, nil
}

// FS exposes the catalog tree, for serving preview images.
func (c *Catalog) FS() fs.FS {
	return c.fsys
}
