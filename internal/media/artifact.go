package media

// Artifact is one produced file, addressable through the server's view
// endpoint.
type Artifact struct {
	Kind      Kind   `json:"kind" yaml:"kind"`
	Name      string `json:"filename" yaml:"filename"`
	URL       string `json:"url" yaml:"url"`
	Subfolder string `json:"subfolder" yaml:"subfolder"`
	NodeID    string `json:"node_id,omitempty" yaml:"node_id,omitempty"`
}

// Reclassify recomputes the artifact's Kind from its Name and reports
// whether the stored value was wrong.
func (a *Artifact) Reclassify() bool {
	kind := KindOf(a.Name)
	if a.Kind == kind {
		return false
	}
	a.Kind = kind
	return true
}
