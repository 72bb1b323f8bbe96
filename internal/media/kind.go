// Package media classifies generated files by kind.
//
// Classification looks only at the filename extension. The server's own
// output type labels are ignored because they are unreliable.
package media

import (
	"path"
	"strings"
)

// Kind is the media category of a produced or uploaded file.
type Kind string

const (
	// KindImage is a still image
	KindImage Kind = "image"
	// KindVideo is a video clip
	KindVideo Kind = "video"
	// KindAudio is an audio clip
	KindAudio Kind = "audio"
	// KindOther is anything with an unrecognized extension
	KindOther Kind = "other"
)

var (
	imageExtensions = map[string]bool{
		"jpg": true, "jpeg": true, "png": true, "gif": true,
		"bmp": true, "webp": true, "svg": true,
	}

	videoExtensions = map[string]bool{
		"mp4": true, "avi": true, "mov": true, "webm": true, "mkv": true,
		"flv": true, "3gp": true, "wmv": true, "m4v": true, "ogv": true,
		"mts": true, "ts": true, "vob": true, "asf": true, "rm": true,
		"rmvb": true, "divx": true, "xvid": true, "f4v": true, "m2ts": true,
		"mpg": true, "mpeg": true, "qt": true,
	}

	audioExtensions = map[string]bool{
		"mp3": true, "wav": true, "flac": true, "aac": true,
		"ogg": true, "m4a": true, "wma": true, "opus": true,
	}

	// previewExtensions are the catalog preview image types, in lookup order.
	previewExtensions = []string{"png", "jpeg", "jpg", "webp", "gif", "svg"}

	videoContentTypes = map[string]string{
		"mp4": "video/mp4", "m4v": "video/mp4", "webm": "video/webm",
		"ogv": "video/ogg", "avi": "video/avi", "mov": "video/quicktime",
		"qt": "video/quicktime", "wmv": "video/x-ms-wmv", "flv": "video/x-flv",
		"mkv": "video/x-matroska", "3gp": "video/3gpp", "ts": "video/mp2t",
		"mts": "video/mp2t", "m2ts": "video/mp2t",
	}
)

// Extension returns the lower-cased text after the last dot of filename,
// or "" when the base name has no dot.
func Extension(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	i := strings.LastIndexByte(base, '.')
	if i < 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

// KindOf returns the Kind implied by the filename extension.
func KindOf(filename string) Kind {
	ext := Extension(filename)
	switch {
	case imageExtensions[ext]:
		return KindImage
	case videoExtensions[ext]:
		return KindVideo
	case audioExtensions[ext]:
		return KindAudio
	default:
		return KindOther
	}
}

// DefaultSubfolder is the server output subfolder assumed when a result
// entry does not name one.
func (k Kind) DefaultSubfolder() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return ""
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindOther:
		return true
	}
	return false
}

// PreviewExtensions returns the catalog preview image extensions in
// priority order.
func PreviewExtensions() []string {
	out := make([]string, len(previewExtensions))
	copy(out, previewExtensions)
	return out
}

// VideoContentType maps a video filename to the MIME type players expect.
// Unknown extensions fall back to video/mp4.
func VideoContentType(filename string) string {
	if ct, ok := videoContentTypes[Extension(filename)]; ok {
		return ct
	}
	return "video/mp4"
}
