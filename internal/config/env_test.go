package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEnvDefaultsAndOverrides(t *testing.T) {
	t.Setenv("TESTD_PORT", "8081")
	t.Setenv("TESTD_TIMEOUT", "3s")
	t.Setenv("TESTD_BAD", "x")
	t.Setenv("TESTD_PEERS", " a, b ,,c")

	env := NewEnv("TESTD")

	if got := env.Int("PORT", 1); got != 8081 {
		t.Errorf("Int = %d", got)
	}

	if got := env.Int("BAD", 7); got != 7 {
		t.Errorf("invalid Int fell back to %d", got)
	}

	if got := env.Duration("TIMEOUT", time.Second); got != 3*time.Second {
		t.Errorf("Duration = %v", got)
	}

	if got := env.String("MISSING", "def"); got != "def" {
		t.Errorf("String = %q", got)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, env.List("PEERS")); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TESTD_FROM_FILE=yes\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { os.Unsetenv("TESTD_FROM_FILE") })

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if got := NewEnv("TESTD").String("FROM_FILE", ""); got != "yes" {
		t.Errorf("value from file = %q", got)
	}

	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}

func TestListFlagReplacesEnvironmentValues(t *testing.T) {
	list := &List{Values: []string{"from-env"}}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(list, "peer", "")

	if err := fs.Parse([]string{"-peer", "a", "-peer", "b"}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a", "b"}, list.Values); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
}

func TestLoadFileHonoursOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.env")
	if err := os.WriteFile(path, []byte("TESTD_FROM_OVERRIDE=yes\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TESTD_ENV", path)
	t.Cleanup(func() { os.Unsetenv("TESTD_FROM_OVERRIDE") })

	env := NewEnv("TESTD")
	if err := env.LoadFile(); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := env.String("FROM_OVERRIDE", ""); got != "yes" {
		t.Errorf("value from override file = %q", got)
	}
}
