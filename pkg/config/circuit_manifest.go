// Copyright 2025 Certen Protocol
//
// Circuit manifest loader - lets an operator describe a ceremony's circuit
// lineup once as a version-controlled YAML file instead of hand-building the
// create-circuits JSON payload. Reads the file, substitutes ${VAR} and
// ${VAR:-default} environment references, then unmarshals into a typed
// struct.

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// CircuitSpec is one circuit entry in a manifest file.
type CircuitSpec struct {
	Prefix                string `yaml:"prefix"`
	Name                  string `yaml:"name"`
	SequencePosition      int    `yaml:"sequencePosition"`
	VerificationMechanism string `yaml:"verificationMechanism"`
	RemoteWorkerHandle    string `yaml:"remoteWorkerHandle,omitempty"`
	PotSizeBytes          int64  `yaml:"potSizeBytes"`
	ZkeySizeBytes         int64  `yaml:"zkeySizeBytes"`
}

// CircuitManifest is the root document of a circuit manifest file.
type CircuitManifest struct {
	Circuits []CircuitSpec `yaml:"circuits"`
}

var manifestEnvVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteManifestEnvVars expands ${VAR} and ${VAR:-default} references
// against the process environment, mirroring the anchor config loader's
// substitution rule.
func substituteManifestEnvVars(input string) string {
	return manifestEnvVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := manifestEnvVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	})
}

// LoadCircuitManifest reads a YAML circuit manifest from path, expanding
// ${VAR}/${VAR:-default} environment references before parsing.
func LoadCircuitManifest(path string) (*CircuitManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read circuit manifest %s: %w", path, err)
	}

	expanded := substituteManifestEnvVars(string(data))

	var manifest CircuitManifest
	if err := yaml.Unmarshal([]byte(expanded), &manifest); err != nil {
		return nil, fmt.Errorf("parse circuit manifest %s: %w", path, err)
	}
	if len(manifest.Circuits) == 0 {
		return nil, fmt.Errorf("circuit manifest %s defines no circuits", path)
	}
	return &manifest, nil
}
