package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		filename string
		want     Kind
	}{
		{"ComfyUI_00001_.png", KindImage},
		{"photo.JPEG", KindImage},
		{"icon.svg", KindImage},
		{"clip.mp4", KindVideo},
		{"clip.M2TS", KindVideo},
		{"movie.final.mkv", KindVideo},
		{"stream.ts", KindVideo},
		{"voice.opus", KindAudio},
		{"song.ogg", KindAudio},
		{"notes.txt", KindOther},
		{"archive.tar.gz", KindOther},
		{"noextension", KindOther},
		{"trailingdot.", KindOther},
		{"", KindOther},
		{"dir.png/file", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.filename))
		})
	}
}

func TestDefaultSubfolder(t *testing.T) {
	assert.Equal(t, "video", KindVideo.DefaultSubfolder())
	assert.Equal(t, "audio", KindAudio.DefaultSubfolder())
	assert.Equal(t, "", KindImage.DefaultSubfolder())
	assert.Equal(t, "", KindOther.DefaultSubfolder())
}

func TestReclassify(t *testing.T) {
	a := Artifact{Kind: KindImage, Name: "out.webm"}
	assert.True(t, a.Reclassify())
	assert.Equal(t, KindVideo, a.Kind)
	assert.False(t, a.Reclassify())
}

func TestVideoContentType(t *testing.T) {
	assert.Equal(t, "video/quicktime", VideoContentType("a.MOV"))
	assert.Equal(t, "video/mp2t", VideoContentType("a.m2ts"))
	assert.Equal(t, "video/mp4", VideoContentType("a.divx"))
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindAudio.Valid())
	assert.False(t, Kind("file").Valid())
}
