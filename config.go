package str

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// ServerConfig is the daemon's on-disk configuration, grounded on the
// teacher's JSONServerConfig/LoadFromFile pattern but expressed in
// YAML the way the teacher's own shipped config templates document
// the layout (cmd/devicedb/conf.go's template is YAML despite the
// in-process struct being JSON-tagged).
type ServerConfig struct {
	// NodeID is this member's identity within the group.
	NodeID uint64 `yaml:"nodeID"`
	// MarkerDir is where the recovery marker store lives on disk.
	MarkerDir string `yaml:"markerDir"`
	// CacheCapacity bounds the in-process write-set cache (C7).
	CacheCapacity int `yaml:"cacheCapacity"`
	// AdminListenAddress is where str/admin serves /status and
	// /ws/progress.
	AdminListenAddress string `yaml:"adminListenAddress"`
	// Peers lists the other group members. cmd/strd runs each of them
	// as an in-process raft member rather than connecting to its
	// host and port. Policy for choosing a donor among them belongs to
	// the group-communication layer, not this coordinator.
	Peers []PeerConfig `yaml:"peers"`
	// ProtocolVersion is the negotiated str protocol version
	// (0, 1, or 2).
	ProtocolVersion int `yaml:"protocolVersion"`
	// BypassCommitOrder disables commit-order admission, mirroring a
	// deployment that does not enforce commit ordering at this layer.
	BypassCommitOrder bool `yaml:"bypassCommitOrder"`
}

type PeerConfig struct {
	NodeID uint64 `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

func isValidPort(p int) bool {
	return p >= 0 && p < (1<<16)
}

// LoadFromFile reads and validates a YAML server configuration.
func (sc *ServerConfig) LoadFromFile(file string) error {
	raw, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(raw, sc); err != nil {
		return err
	}

	if sc.CacheCapacity <= 0 {
		return fmt.Errorf("cacheCapacity must be at least 1")
	}

	if sc.ProtocolVersion < 0 || sc.ProtocolVersion > 2 {
		return fmt.Errorf("protocolVersion must be 0, 1, or 2")
	}

	for _, peer := range sc.Peers {
		if !isValidPort(peer.Port) {
			return fmt.Errorf("%d is an invalid port for peer %d at %s", peer.Port, peer.NodeID, peer.Host)
		}
	}

	return nil
}
