// Package results turns a finished job's history record into artifacts.
package results

import (
	"sort"

	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/media"
)

// Endpoint supplies the base URL artifact links are built against.
// *comfy.Client satisfies it.
type Endpoint interface {
	Endpoint() string
}

// Classifier extracts artifacts from history records.
type Classifier struct {
	endpoint Endpoint
}

// NewClassifier creates a Classifier that links artifacts to endpoint.
func NewClassifier(endpoint Endpoint) *Classifier {
	return &Classifier{endpoint: endpoint}
}

// Extract returns every file the job produced, in node id then field name
// order. Kind is decided by extension alone. Files sharing a name are
// reported once.
func (c *Classifier) Extract(h comfy.History, jobID string) []media.Artifact {
	item, ok := h[jobID]
	if !ok {
		return nil
	}
	return Collect(item, c.endpoint.Endpoint())
}

// Collect is Extract for a single record against an explicit base URL.
func Collect(item comfy.HistoryItem, base string) []media.Artifact {
	nodeIDs := make([]string, 0, len(item.Outputs))
	for id := range item.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	graph.SortIDs(nodeIDs)

	seen := make(map[string]bool)
	var out []media.Artifact

	for _, nodeID := range nodeIDs {
		output := item.Outputs[nodeID]

		fields := make([]string, 0, len(output))
		for f := range output {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		for _, field := range fields {
			files, ok := output.Files(field)
			if !ok {
				continue
			}
			for _, f := range files {
				if seen[f.Filename] {
					continue
				}
				seen[f.Filename] = true
				out = append(out, newArtifact(base, nodeID, f))
			}
		}
	}
	return out
}

func newArtifact(base, nodeID string, f comfy.FileRef) media.Artifact {
	kind := media.KindOf(f.Filename)
	subfolder := f.Subfolder
	if subfolder == "" {
		subfolder = kind.DefaultSubfolder()
	}
	return media.Artifact{
		Kind:      kind,
		Name:      f.Filename,
		URL:       comfy.ViewURL(base, f.Filename, subfolder),
		Subfolder: subfolder,
		NodeID:    nodeID,
	}
}
