package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return real
}

func TestReplyMedia(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	img := touch(t, filepath.Join(root, "img", "cat.jpg"))
	doc := touch(t, filepath.Join(root, "report.pdf"))
	touch(t, filepath.Join(root, "main.go"))
	secret := touch(t, filepath.Join(outside, "secret.txt"))
	if err := os.Symlink(secret, filepath.Join(root, "link.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "dir.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	text := strings.Join([]string{
		"Here is img/cat.jpg, again " + img + ".",
		"The report: `report.pdf`.",
		"Source in main.go, a folder dir.png, a link link.txt,",
		"something outside " + secret + " and ../" + filepath.Base(outside) + "/secret.txt,",
		"and gone.png that never existed. See https://example.com/logo.png too.",
	}, "\n")

	got := replyMedia(text, root)
	want := []string{img, doc}
	if len(got) != len(want) {
		t.Fatalf("replyMedia = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replyMedia[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := replyMedia(text, ""); got != nil {
		t.Fatalf("no root should attach nothing, got %q", got)
	}
}

func TestReplyMediaIsBounded(t *testing.T) {
	root := t.TempDir()
	var names []string
	for i := range maxReplyMedia + 5 {
		name := fmt.Sprintf("shot-%02d.png", i)
		touch(t, filepath.Join(root, name))
		names = append(names, name)
	}
	if got := replyMedia(strings.Join(names, " "), root); len(got) != maxReplyMedia {
		t.Fatalf("attached %d files, want %d", len(got), maxReplyMedia)
	}
}
