package gateway

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/go-relay/internal/channels"
)

// maxReplyMedia bounds how many files one reply carries.
const maxReplyMedia = 10

var replyPathPattern = regexp.MustCompile(`[\w\-./]+\.\w+`)

// replyMedia returns the files a reply names that exist under root and have a
// kind a chat can display. Relative names resolve against root; anything that
// resolves outside it, symlinks included, is ignored.
func replyMedia(text, root string) []string {
	if root == "" || text == "" {
		return nil
	}
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, name := range replyPathPattern.FindAllString(text, -1) {
		if channels.MediaKind(name) == "" {
			continue
		}
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		real, err := filepath.EvalSymlinks(p)
		if err != nil || seen[real] || !within(base, real) {
			continue
		}
		if info, err := os.Stat(real); err != nil || !info.Mode().IsRegular() {
			continue
		}
		seen[real] = true
		out = append(out, real)
		if len(out) == maxReplyMedia {
			break
		}
	}
	return out
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
