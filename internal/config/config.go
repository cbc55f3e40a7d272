// Package config persists and loads a volume's configuration record: a
// small JSON document written once at volume creation and read at every
// mount. The atomic write-with-backup behavior is grounded on
// PersistenceEngine.WriteSchema
// (_examples/launix-de-memcp/storage/persistence-files.go): the new document
// is written to a temporary sibling first, then any existing file is renamed
// to a ".old" sibling and the temporary file is renamed into place, so a
// crash mid-write never leaves a partially written volume.conf.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drvcoin/drive-sub000/internal/volume"
)

// PartitionRef names one of a volume's D+C backing partitions and the
// provider endpoint it was created against.
type PartitionRef struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// VolumeConfig is the persisted, immutable-after-creation shape of a
// volume's geometry and partition assignment.
type VolumeConfig struct {
	BlockSize   int            `json:"blockSize"`
	BlockCount  int            `json:"blockCount"`
	DataBlocks  int            `json:"dataBlocks"`
	CodeBlocks  int            `json:"codeBlocks"`
	Partitions  []PartitionRef `json:"partitions"`
}

// Validate checks the structural invariants a loaded config must satisfy
// (D+C ≤ 256, partition count matches, block size a power of two). A loader
// that cannot produce a config meeting these is expected to surface
// ErrBadConfig itself; Validate lets callers re-check a config that came
// from elsewhere (e.g. a test fixture).
func (c *VolumeConfig) Validate() error {
	if c.DataBlocks <= 0 || c.DataBlocks > 255 {
		return fmt.Errorf("%w: dataBlocks %d out of range", volume.ErrBadConfig, c.DataBlocks)
	}
	if c.CodeBlocks < 0 || c.DataBlocks+c.CodeBlocks > 256 {
		return fmt.Errorf("%w: dataBlocks+codeBlocks %d exceeds 256", volume.ErrBadConfig, c.DataBlocks+c.CodeBlocks)
	}
	if c.BlockCount <= 0 {
		return fmt.Errorf("%w: blockCount %d must be positive", volume.ErrBadConfig, c.BlockCount)
	}
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("%w: blockSize %d is not a power of two", volume.ErrBadConfig, c.BlockSize)
	}
	if len(c.Partitions) != c.DataBlocks+c.CodeBlocks {
		return fmt.Errorf("%w: %d partitions, want %d", volume.ErrBadConfig, len(c.Partitions), c.DataBlocks+c.CodeBlocks)
	}
	return nil
}

// Path returns the config file path for a volume under configRoot:
// "<config-root>/<volume-name>/volume.conf".
func Path(configRoot, volumeName string) string {
	return filepath.Join(configRoot, volumeName, "volume.conf")
}

// Load reads and validates a volume's configuration file.
func Load(configRoot, volumeName string) (*VolumeConfig, error) {
	path := Path(configRoot, volumeName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", volume.ErrBadConfig, path, err)
	}
	var cfg VolumeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", volume.ErrBadConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes a volume's configuration atomically: the new document is
// written to a ".tmp" sibling, any existing file is renamed to a ".old"
// sibling, and the temporary file is then renamed into place.
// Config files are immutable after creation, so Save is expected to run
// exactly once per volume, at creation time.
func Save(configRoot, volumeName string, cfg *VolumeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(configRoot, volumeName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", volume.ErrBadConfig, dir, err)
	}

	path := Path(configRoot, volumeName)
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal config: %v", volume.ErrBadConfig, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o666); err != nil {
		return fmt.Errorf("%w: write %s: %v", volume.ErrBadConfig, tmp, err)
	}
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		if err := os.Rename(path, path+".old"); err != nil {
			return fmt.Errorf("%w: backup %s: %v", volume.ErrBadConfig, path, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", volume.ErrBadConfig, tmp, err)
	}
	return nil
}
