package projectid_test

import (
	"strings"
	"testing"

	"cssmod/internal/projectid"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		project string
		want    string
	}{
		{name: "path", project: "/Users/Alice/Code/my-app", want: "usersalicecodemyapp"},
		{name: "digits dropped", project: "/srv/app2024/v1", want: "srvappv"},
		{name: "no letters", project: "/1/2/3", want: "project"},
		{name: "empty", project: "", want: "project"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := projectid.Sanitize(tt.project); got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.project, got, tt.want)
			}
		})
	}
}

func TestSanitizeShortensLongIdentifiers(t *testing.T) {
	long := "/" + strings.Repeat("abcdefghij/", 20)
	a := projectid.Sanitize(long)
	b := projectid.Sanitize(long + "x")
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("expected 64-char ids, got %d and %d", len(a), len(b))
	}
	if a == b {
		t.Fatalf("distinct long projects collided: %q", a)
	}
}

func TestForBuildsSocketAndScratch(t *testing.T) {
	paths, err := projectid.For("", "/Home/Dev/Site")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if paths.Socket != "/tmp/cssmod-homedevsite.sock" {
		t.Fatalf("socket = %q", paths.Socket)
	}
	if paths.Scratch != "/tmp/cssmod-homedevsite" {
		t.Fatalf("scratch = %q", paths.Scratch)
	}
}

func TestForRejectsRelativeRoot(t *testing.T) {
	if _, err := projectid.For("tmp", "/x"); err == nil {
		t.Fatal("expected error for relative root")
	}
}

func TestCurrentIsStable(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	first, err := projectid.Current("/tmp")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	second, err := projectid.Current("/tmp")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if first != second {
		t.Fatalf("rendezvous changed between calls: %+v vs %+v", first, second)
	}
}
