package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSourcesSingle(t *testing.T) {
	sources, err := resolveSources([]string{"blue.txt", "red.txt"}, "")
	if err != nil {
		t.Fatalf("resolveSources: %v", err)
	}
	if len(sources) != 1 || len(sources[0]) != 2 {
		t.Fatalf("got %v, want one source with two files", sources)
	}
}

func TestResolveSourcesList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.txt")
	content := "# comment line\nstar1-blue.txt star1-red.txt\n\nstar2.json\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := resolveSources(nil, path)
	if err != nil {
		t.Fatalf("resolveSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if len(sources[0]) != 2 || sources[0][0] != "star1-blue.txt" {
		t.Errorf("first source = %v", sources[0])
	}
	if len(sources[1]) != 1 || sources[1][0] != "star2.json" {
		t.Errorf("second source = %v", sources[1])
	}
}

func TestResolveSourcesEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.txt")
	if err := os.WriteFile(path, []byte("# nothing here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveSources(nil, path); err == nil {
		t.Fatal("expected error for an empty source list")
	}
}

func TestOutputPrefix(t *testing.T) {
	cases := map[string]string{
		"star1-blue.txt":        "star1-blue",
		"/data/runs/star2.json": "star2",
		"plain":                 "plain",
	}
	for in, want := range cases {
		if got := outputPrefix(in); got != want {
			t.Errorf("outputPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStageNames(t *testing.T) {
	if stageEstimate.String() != "estimated" ||
		stageOptimise.String() != "optimised" ||
		stageInfer.String() != "inferred" {
		t.Error("stage names changed")
	}
}
