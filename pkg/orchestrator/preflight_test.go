package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/o4sync/o4/pkg/config"
)

func TestCommonDepotPrefixTrimsAtDotDotDot(t *testing.T) {
	got := commonDepotPrefix("//depot/proj/...")
	if got != "//depot/proj/" {
		t.Fatalf("expected //depot/proj/, got %q", got)
	}
}

func TestCommonDepotPrefixTrimsAtStar(t *testing.T) {
	got := commonDepotPrefix("//depot/proj/*")
	if got != "//depot/proj/" {
		t.Fatalf("expected //depot/proj/, got %q", got)
	}
}

func TestCommonDepotPrefixNoWildcard(t *testing.T) {
	got := commonDepotPrefix("//depot/proj/file.txt")
	if got != "//depot/proj/file.txt" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}

func TestValidateVanillaClientspecSkipsCheckWhenConfigAllows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "o4.config")
	if err := os.WriteFile(path, []byte("o4.allow_nonflat_clientspec = true\n"), 0644); err != nil {
		t.Fatalf("unable to write test config: %v", err)
	}
	t.Setenv("O4CONFIG", path)
	t.Setenv("BLT_HOME", "")

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// A nil *o4ctx.Context would panic if the check actually ran a p4
	// invocation, so reaching a nil error here proves the config-allowed
	// path short-circuits before touching ctx at all.
	if err := validateVanillaClientspec(nil, cfg); err != nil {
		t.Fatalf("expected the check to be skipped entirely, got %v", err)
	}
}

func TestValidateVanillaClientspecNilConfigDoesNotPanic(t *testing.T) {
	if (*config.Config)(nil).AllowNonflatClientspec() {
		t.Fatalf("expected a nil config to never allow a nonflat clientspec")
	}
}
