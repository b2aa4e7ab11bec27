// Copyright 2025 Certen Protocol

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "circuits.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadCircuitManifest_ParsesCircuits(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
circuits:
  - prefix: circuit-1
    name: First Circuit
    sequencePosition: 0
    verificationMechanism: LOCAL
    potSizeBytes: 1024
    zkeySizeBytes: 2048
  - prefix: circuit-2
    name: Second Circuit
    sequencePosition: 1
    verificationMechanism: REMOTE
    remoteWorkerHandle: worker-a
    potSizeBytes: 4096
    zkeySizeBytes: 8192
`)

	manifest, err := LoadCircuitManifest(path)
	if err != nil {
		t.Fatalf("LoadCircuitManifest returned error: %v", err)
	}
	if len(manifest.Circuits) != 2 {
		t.Fatalf("expected 2 circuits, got %d", len(manifest.Circuits))
	}
	if manifest.Circuits[0].Prefix != "circuit-1" || manifest.Circuits[0].VerificationMechanism != "LOCAL" {
		t.Fatalf("unexpected first circuit: %+v", manifest.Circuits[0])
	}
	if manifest.Circuits[1].RemoteWorkerHandle != "worker-a" {
		t.Fatalf("unexpected second circuit: %+v", manifest.Circuits[1])
	}
}

func TestLoadCircuitManifest_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CIRCUIT_PREFIX", "env-circuit")
	dir := t.TempDir()
	path := writeManifest(t, dir, `
circuits:
  - prefix: ${CIRCUIT_PREFIX}
    name: ${CIRCUIT_NAME:-Default Name}
    sequencePosition: 0
    verificationMechanism: LOCAL
    potSizeBytes: 1
    zkeySizeBytes: 1
`)

	manifest, err := LoadCircuitManifest(path)
	if err != nil {
		t.Fatalf("LoadCircuitManifest returned error: %v", err)
	}
	if manifest.Circuits[0].Prefix != "env-circuit" {
		t.Fatalf("expected env var substitution, got %q", manifest.Circuits[0].Prefix)
	}
	if manifest.Circuits[0].Name != "Default Name" {
		t.Fatalf("expected default fallback, got %q", manifest.Circuits[0].Name)
	}
}

func TestLoadCircuitManifest_EmptyRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "circuits: []\n")

	if _, err := LoadCircuitManifest(path); err == nil {
		t.Fatal("expected error for manifest with no circuits")
	}
}

func TestLoadCircuitManifest_MissingFile(t *testing.T) {
	if _, err := LoadCircuitManifest("/nonexistent/circuits.yaml"); err == nil {
		t.Fatal("expected error for missing manifest file")
	}
}
