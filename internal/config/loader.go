package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drvcoin/drive-sub000/internal/dht"
	"github.com/drvcoin/drive-sub000/internal/volume"
)

// Loader is the control-plane collaborator the core depends on: given a
// volume name, produce its persisted VolumeConfig; and, at creation time,
// locate D+C storage providers through the DHT and
// persist a fresh config. The CLI, contract issuance, and provider
// reservation protocol behind it are out of scope for this package.
type Loader interface {
	Load(ctx context.Context, name string) (*VolumeConfig, error)
	CreatePartitions(ctx context.Context, name string, geom Geometry) (*VolumeConfig, error)
}

// Geometry is the subset of VolumeConfig a caller must decide at creation
// time, before provider discovery fills in the partition list.
type Geometry struct {
	BlockSize  int
	BlockCount int
	DataCount  int
	CodeCount  int
}

// DHTLoader is a Loader backed by a real dht.Lookup and a local config root.
// Load reads the on-disk volume.conf; ResolveEndpoint resolves one
// partition's host info from the DHT; CreatePartitions queries the DHT for candidate
// providers, pairs them with the volume's D+C slots, and persists the
// resulting config.
type DHTLoader struct {
	ConfigRoot string
	Lookup     dht.Lookup
}

func NewDHTLoader(configRoot string, lookup dht.Lookup) *DHTLoader {
	return &DHTLoader{ConfigRoot: configRoot, Lookup: lookup}
}

// Load reads volume.conf for name. It does not itself resolve partition
// endpoints (that's ResolveEndpoint, called per-partition by whoever wires
// up PartitionClients); Load only produces the persisted geometry + names.
func (l *DHTLoader) Load(ctx context.Context, name string) (*VolumeConfig, error) {
	return Load(l.ConfigRoot, name)
}

// ResolveEndpoint looks up a partition's HostInfo (direct URL + relay list)
// through the DHT via GetValue("ep:" + partitionName).
func (l *DHTLoader) ResolveEndpoint(ctx context.Context, partitionName string) (*dht.HostInfo, error) {
	raw, err := l.Lookup.GetValue(ctx, "ep:"+partitionName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", volume.ErrBadConfig, partitionName, err)
	}
	var info dht.HostInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: parse host info for %s: %v", volume.ErrBadConfig, partitionName, err)
	}
	return &info, nil
}

// CreatePartitions queries the DHT for geom.DataCount+geom.CodeCount
// storage providers with enough available size to back geom.BlockCount
// blocks of geom.BlockSize each, assigns one partition slot per candidate,
// and persists the resulting VolumeConfig. Reserving storage at each
// provider and issuing/signing the backing contract is an external,
// control-plane concern this method does not perform; it only shapes the
// query and writes the config record.
func (l *DHTLoader) CreatePartitions(ctx context.Context, name string, geom Geometry) (*VolumeConfig, error) {
	need := geom.DataCount + geom.CodeCount
	size := uint64(geom.BlockCount) * uint64(geom.BlockSize)
	expr := fmt.Sprintf(`type:"storage" availableSize:%d`, size)
	candidates, err := l.Lookup.Query(ctx, expr, need)
	if err != nil {
		return nil, fmt.Errorf("%w: query providers: %v", volume.ErrBadConfig, err)
	}
	if len(candidates) < need {
		return nil, fmt.Errorf("%w: found %d providers, need %d", volume.ErrBadConfig, len(candidates), need)
	}

	refs := make([]PartitionRef, need)
	for i := 0; i < need; i++ {
		refs[i] = PartitionRef{
			Name:     fmt.Sprintf("%s-%d", name, i),
			Provider: candidates[i].Name,
		}
	}

	cfg := &VolumeConfig{
		BlockSize:  geom.BlockSize,
		BlockCount: geom.BlockCount,
		DataBlocks: geom.DataCount,
		CodeBlocks: geom.CodeCount,
		Partitions: refs,
	}
	if err := Save(l.ConfigRoot, name, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
