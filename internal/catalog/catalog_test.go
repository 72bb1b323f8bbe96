package catalog

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/graph"
)

const sampleGraph = `{"6":{"class_type":"CLIPTextEncode","inputs":{"text":"a cat"}}}`

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"portrait/graph.json":    {Data: []byte(sampleGraph)},
		"portrait/cover.webp":    {Data: []byte("img")},
		"portrait/about.txt":     {Data: []byte("  Studio portrait lighting\n")},
		"portrait/b-cover.png":   {Data: []byte("img")},
		"video/flow.json":        {Data: []byte(sampleGraph)},
		"video/notes.md":         {Data: []byte("ignored")},
		"empty/readme.txt":       {Data: []byte("no graph here")},
		".hidden/graph.json":     {Data: []byte(sampleGraph)},
		"broken/graph.json":      {Data: []byte(`{"1":`)},
		"top-level-file.json":    {Data: []byte(sampleGraph)},
		"portrait/nested/x.json": {Data: []byte(sampleGraph)},
	}
}

func TestScan(t *testing.T) {
	c := NewFS(testFS(), nil)

	got, err := c.Scan()
	require.NoError(t, err)

	want := []Workflow{
		{Name: "broken", Description: DefaultDescription, GraphFile: "broken/graph.json"},
		{Name: "portrait", Description: "Studio portrait lighting", Preview: "portrait/b-cover.png", GraphFile: "portrait/graph.json"},
		{Name: "video", Description: DefaultDescription, GraphFile: "video/flow.json"},
	}
	assert.Equal(t, want, got)
}

func TestSearch(t *testing.T) {
	all := []Workflow{
		{Name: "Portrait", Description: "Studio lighting"},
		{Name: "Landscape", Description: "Wide angle"},
	}

	assert.Equal(t, all, Search(all, "  "))
	assert.Equal(t, all[:1], Search(all, "portrait"))
	assert.Equal(t, all[1:], Search(all, "WIDE"))
	assert.Empty(t, Search(all, "video"))
}

func TestLoad(t *testing.T) {
	c := NewFS(testFS(), nil)

	wf, g, err := c.Load("portrait")
	require.NoError(t, err)
	assert.Equal(t, "portrait/graph.json", wf.GraphFile)

	require.Contains(t, g, "6")
	assert.Equal(t, "CLIPTextEncode", g["6"].ClassType.Base)
}

func TestLoadErrors(t *testing.T) {
	c := NewFS(testFS(), nil)

	_, _, err := c.Load("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, _, err = c.Load("../etc")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, _, err = c.Load("broken")
	assert.ErrorIs(t, err, graph.ErrInvalidGraph)
}
