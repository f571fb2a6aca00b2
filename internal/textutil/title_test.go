package textutil

import "testing"

func TestNormalizeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"the.matrix.1999", "The Matrix 1999"},
		{"blade_runner: final-cut", "Blade Runner Final Cut"},
		{"  already clean  ", "Already Clean"},
		{"???", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSearchQuery(t *testing.T) {
	if got := SearchQuery("The.Matrix"); got != "the matrix" {
		t.Fatalf("SearchQuery = %q", got)
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := SanitizeFileName(`a/b\c:d*e?f"g<h>i|j`); got != "a-b-c-d-efghij" {
		t.Fatalf("SanitizeFileName = %q", got)
	}
	if got := SanitizeFileName("  plain name  "); got != "plain name" {
		t.Fatalf("SanitizeFileName trim = %q", got)
	}
}
