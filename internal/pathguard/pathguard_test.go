package pathguard

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateInsideRoot(t *testing.T) {
	// Arrange a nested path that does not exist on disk.
	root := filepath.FromSlash("/tmp/project")
	requested := filepath.Join(root, "a", "b.txt")

	// Act.
	check := Validate(requested, root, false)

	// Assert.
	if !check.Valid {
		t.Fatalf("expected valid path, got error %q", check.Error)
	}
	want, _ := filepath.Abs(requested)
	if check.Resolved != want {
		t.Fatalf("expected resolved %s, got %s", want, check.Resolved)
	}
	if check.Error != "" {
		t.Fatalf("expected no error message, got %q", check.Error)
	}
}

func TestValidateRootItself(t *testing.T) {
	root := filepath.FromSlash("/tmp/project")
	if check := Validate(root, root, false); !check.Valid {
		t.Fatalf("expected root to be valid, got %q", check.Error)
	}
}

func TestValidateOutsideRoot(t *testing.T) {
	// Arrange a sibling directory and a prefix look-alike.
	root := filepath.FromSlash("/tmp/project")
	cases := []string{
		filepath.FromSlash("/tmp/other/secrets.txt"),
		filepath.FromSlash("/tmp/project-evil/file.txt"),
		filepath.FromSlash("/tmp/project/../other/file.txt"),
		filepath.FromSlash("/etc/passwd"),
	}

	for _, requested := range cases {
		// Act.
		check := Validate(requested, root, false)

		// Assert.
		if check.Valid {
			t.Fatalf("expected %s to be rejected", requested)
		}
		if check.Resolved != "" {
			t.Fatalf("expected no resolved path for %s, got %s", requested, check.Resolved)
		}
		if !strings.Contains(check.Error, "outside the allowed working directory") {
			t.Fatalf("unexpected error message: %q", check.Error)
		}
		if !strings.Contains(check.Error, requested) {
			t.Fatalf("expected error to name %s, got %q", requested, check.Error)
		}
	}
}

func TestValidateAllowEscape(t *testing.T) {
	root := filepath.FromSlash("/tmp/project")
	requested := filepath.FromSlash("/tmp/other/secrets.txt")

	check := Validate(requested, root, true)

	if !check.Valid {
		t.Fatalf("expected escape hatch to accept path, got %q", check.Error)
	}
	want, _ := filepath.Abs(requested)
	if check.Resolved != want {
		t.Fatalf("expected resolved %s, got %s", want, check.Resolved)
	}
}

func TestValidateNormalizesDotSegments(t *testing.T) {
	root := filepath.FromSlash("/tmp/project")
	requested := filepath.FromSlash("/tmp/project/./src/../lib//x.go")

	check := Validate(requested, root, false)

	if !check.Valid {
		t.Fatalf("expected valid path, got %q", check.Error)
	}
	want, _ := filepath.Abs(filepath.FromSlash("/tmp/project/lib/x.go"))
	if check.Resolved != want {
		t.Fatalf("expected %s, got %s", want, check.Resolved)
	}
}

func TestValidateFilesystemRoot(t *testing.T) {
	root := string(filepath.Separator)
	requested := filepath.FromSlash("/tmp/projectx/a")

	if check := Validate(requested, root, false); !check.Valid {
		t.Fatalf("expected %s to be inside %s, got %q", requested, root, check.Error)
	}
}
