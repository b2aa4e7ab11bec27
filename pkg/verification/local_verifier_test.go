// Copyright 2025 Certen Protocol

package verification

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write temp file %s: %v", name, err)
	}
	return path
}

func TestGnarkLocalVerifier_AcceptsChangedCommitment(t *testing.T) {
	dir := t.TempDir()
	pot := writeTempFile(t, dir, "pot.ptau", []byte("fake-pot-contents"))
	initial := writeTempFile(t, dir, "initial.zkey", []byte("initial-zkey-bytes"))
	last := writeTempFile(t, dir, "last.zkey", []byte("contributed-zkey-bytes"))

	v := NewGnarkLocalVerifier("gnark", "0.14.0")
	valid, transcript, hash, err := v.Verify(pot, initial, last)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if !valid {
		t.Fatalf("expected valid contribution, got transcript: %s", transcript)
	}
	if hash == "" {
		t.Fatal("expected non-empty last zkey hash")
	}
	if transcript == "" {
		t.Fatal("expected non-empty transcript")
	}
}

func TestGnarkLocalVerifier_RejectsUnchangedCommitment(t *testing.T) {
	dir := t.TempDir()
	pot := writeTempFile(t, dir, "pot.ptau", []byte("fake-pot-contents"))
	same := []byte("identical-zkey-bytes")
	initial := writeTempFile(t, dir, "initial.zkey", same)
	last := writeTempFile(t, dir, "last.zkey", same)

	v := NewGnarkLocalVerifier("gnark", "0.14.0")
	valid, transcript, hash, err := v.Verify(pot, initial, last)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if valid {
		t.Fatal("expected an unchanged commitment to be rejected")
	}
	if hash != "" {
		t.Fatalf("expected no hash on rejection, got %q", hash)
	}
	if transcript == "" {
		t.Fatal("expected transcript to explain the rejection")
	}
}

func TestGnarkLocalVerifier_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	v := NewGnarkLocalVerifier("gnark", "0.14.0")

	if _, _, _, err := v.Verify(
		filepath.Join(dir, "missing.ptau"),
		filepath.Join(dir, "missing-initial.zkey"),
		filepath.Join(dir, "missing-last.zkey"),
	); err == nil {
		t.Fatal("expected an error for missing artifacts")
	}
}
