package main

import (
	"context"
	"os"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(home+"/config.yaml", []byte("cliBin: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), home, nil)
	// Doctor may return 0 or 1 depending on the environment (e.g. no
	// network), but it must not panic.
	if code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(home+"/config.yaml", []byte("cliBin: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), home, []string{"-json"})
	if code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestRunDoctorCommand_DoubleJSONFlag(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(home+"/config.yaml", []byte("cliBin: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), home, []string{"--json"})
	if code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	// No config.yaml at all — triggers the NeedsGenesis path.

	code := runDoctorCommand(context.Background(), home, nil)
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
