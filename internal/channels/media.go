package channels

import (
	"path/filepath"
	"strings"
)

// Media kinds returned by MediaKind.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

var mediaKinds = map[string]string{
	".png": MediaImage, ".jpg": MediaImage, ".jpeg": MediaImage, ".gif": MediaImage,
	".webp": MediaImage, ".bmp": MediaImage,
	".mp3": MediaAudio, ".wav": MediaAudio, ".aac": MediaAudio, ".ogg": MediaAudio,
	".flac": MediaAudio, ".m4a": MediaAudio, ".opus": MediaAudio,
	".mp4": MediaVideo, ".avi": MediaVideo, ".mov": MediaVideo, ".mkv": MediaVideo,
	".webm": MediaVideo,
	".pdf": MediaDocument, ".doc": MediaDocument, ".docx": MediaDocument,
	".xls": MediaDocument, ".xlsx": MediaDocument, ".ppt": MediaDocument,
	".pptx": MediaDocument, ".csv": MediaDocument, ".txt": MediaDocument,
	".md": MediaDocument, ".svg": MediaDocument, ".zip": MediaDocument,
}

// MediaKind classifies a file by extension. It returns "" for files that are
// not worth sending to a chat.
func MediaKind(path string) string {
	return mediaKinds[strings.ToLower(filepath.Ext(path))]
}
