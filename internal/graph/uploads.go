package graph

import (
	"errors"
	"fmt"

	"github.com/hurricanerix/loom/internal/media"
)

// ErrNotUploadNode is returned when a file reference targets a node that
// does not load files of the given kind
var ErrNotUploadNode = errors.New("graph: node does not accept uploads of this kind")

type uploadClass struct {
	kind  media.Kind
	field string
}

var uploadClasses = map[string]uploadClass{
	"LoadImage":           {media.KindImage, "image"},
	"LoadVideo":           {media.KindVideo, "file"},
	"VHS_LoadVideo":       {media.KindVideo, "file"},
	"VHS_LoadVideoFFmpeg": {media.KindVideo, "file"},
	"LoadAudio":           {media.KindAudio, "audio"},
	"VHS_LoadAudio":       {media.KindAudio, "audio"},
}

// UploadSlot is a node that takes a user-supplied file.
type UploadSlot struct {
	NodeID string     `json:"node_id"`
	Title  string     `json:"title"`
	Kind   media.Kind `json:"kind"`
	Field  string     `json:"field"`
}

// FindUploadSlots lists the visible file-loading nodes in iteration order.
func FindUploadSlots(g Graph) []UploadSlot {
	var slots []UploadSlot
	for _, id := range g.IDs() {
		n := g[id]
		if n.ClassType.Hidden() {
			continue
		}
		uc, ok := uploadClasses[n.ClassType.Base]
		if !ok {
			continue
		}
		slots = append(slots, UploadSlot{
			NodeID: id,
			Title:  g.Title(id),
			Kind:   uc.kind,
			Field:  uc.field,
		})
	}
	return slots
}

// SetFileReference points the upload node id at an uploaded file name.
func SetFileReference(g Graph, id string, kind media.Kind, filename string) error {
	n, ok := g[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	uc, ok := uploadClasses[n.ClassType.Base]
	if !ok || uc.kind != kind {
		return fmt.Errorf("%w: %s (%s)", ErrNotUploadNode, id, n.ClassType.Base)
	}
	return g.SetLiteral(id, uc.field, filename)
}
