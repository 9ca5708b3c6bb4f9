package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name looked up next to every config file.
const ChecksumFile = ".checksums"

// LockedFile is one entry of a LockReport.
type LockedFile struct {
	Path string
	Hash string
}

// LockReport lists what `config lock` hashed, per directory.
type LockReport struct {
	Manifests []string
	Files     []LockedFile
	Written   bool
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LockFiles hashes every file and writes one .checksums manifest per
// directory. With dryRun nothing is written.
func LockFiles(files []string, dryRun bool) (*LockReport, error) {
	byDir := make(map[string][]string)
	for _, f := range files {
		byDir[filepath.Dir(f)] = append(byDir[filepath.Dir(f)], f)
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	report := &LockReport{}
	for _, dir := range dirs {
		manifest := ChecksumManifest{
			Version:     1,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Hashes:      make(map[string]string),
		}
		for _, f := range byDir[dir] {
			hash, err := ComputeBlake3Hash(f)
			if err != nil {
				return nil, fmt.Errorf("failed to hash %s: %w", f, err)
			}
			manifest.Hashes[filepath.Base(f)] = hash
			report.Files = append(report.Files, LockedFile{Path: f, Hash: hash})
		}
		path := filepath.Join(dir, ChecksumFile)
		report.Manifests = append(report.Manifests, path)
		if dryRun {
			continue
		}

		data, err := yaml.Marshal(manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = !dryRun
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumFile)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'laborch config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// Fingerprint is the BLAKE3 hash of the effective configuration, secrets
// excluded. Two processes with the same fingerprint drive the same world the
// same way.
func Fingerprint(cfg *Config) (string, error) {
	c := *cfg
	c.Include = nil
	c.SourceFiles = nil
	c.API.Auth = APIAuthConfig{}
	c.ObjectStore.AccessKey = ""
	c.ObjectStore.SecretKey = ""

	// yaml.v3 sorts map keys, so the encoding is stable.
	data, err := yaml.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("fingerprint config: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No manifest, nothing to verify in this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: laborch config lock --config %s", basename, dir, path)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: laborch config lock", path, err)
			}
		}
	}

	return nil
}
