package results

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/media"
)

type staticEndpoint string

func (s staticEndpoint) Endpoint() string { return string(s) }

func parseHistory(t *testing.T, raw string) comfy.History {
	t.Helper()
	var h comfy.History
	require.NoError(t, json.Unmarshal([]byte(raw), &h))
	return h
}

func TestExtract(t *testing.T) {
	h := parseHistory(t, `{"p1":{"outputs":{
		"9":{"images":[{"filename":"out_00001.png","subfolder":"","type":"output"}]},
		"12":{"gifs":[{"filename":"clip.mp4","subfolder":"","type":"temp"}],"text":["ignored"]},
		"15":{"audio":[{"filename":"voice.flac","subfolder":"tts","type":"output"}]}
	},"status":{"status_str":"success","completed":true}}}`)

	c := NewClassifier(staticEndpoint("http://host:8188"))
	got := c.Extract(h, "p1")

	want := []media.Artifact{
		{
			Kind: media.KindImage, Name: "out_00001.png", Subfolder: "", NodeID: "9",
			URL: "http://host:8188/view?filename=out_00001.png&subfolder=&type=output",
		},
		{
			Kind: media.KindVideo, Name: "clip.mp4", Subfolder: "video", NodeID: "12",
			URL: "http://host:8188/view?filename=clip.mp4&subfolder=video&type=output",
		},
		{
			Kind: media.KindAudio, Name: "voice.flac", Subfolder: "tts", NodeID: "15",
			URL: "http://host:8188/view?filename=voice.flac&subfolder=tts&type=output",
		},
	}
	assert.Equal(t, want, got)
}

func TestExtractIgnoresServerTypeLabels(t *testing.T) {
	// A video listed under "images" is still a video.
	h := parseHistory(t, `{"p1":{"outputs":{"3":{"images":[{"filename":"anim.webm","type":"output"}]}}}}`)

	got := NewClassifier(staticEndpoint("http://h")).Extract(h, "p1")
	require.Len(t, got, 1)
	assert.Equal(t, media.KindVideo, got[0].Kind)
}

func TestExtractDedupesByFilename(t *testing.T) {
	h := parseHistory(t, `{"p1":{"outputs":{
		"3":{"images":[{"filename":"a.png"}],"previews":[{"filename":"a.png"},{"filename":"b.bin"}]},
		"4":{"images":[{"filename":"a.png"}]}
	}}}`)

	got := NewClassifier(staticEndpoint("http://h")).Extract(h, "p1")
	require.Len(t, got, 2)
	assert.Equal(t, "a.png", got[0].Name)
	assert.Equal(t, "3", got[0].NodeID)
	assert.Equal(t, "b.bin", got[1].Name)
	assert.Equal(t, media.KindOther, got[1].Kind)
}

func TestExtractUnknownJob(t *testing.T) {
	h := parseHistory(t, `{"p1":{"outputs":{}}}`)
	assert.Empty(t, NewClassifier(staticEndpoint("http://h")).Extract(h, "other"))
	assert.Empty(t, NewClassifier(staticEndpoint("http://h")).Extract(h, "p1"))
}
