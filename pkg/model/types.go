package model

import (
	"encoding/json"
	"fmt"
)

// NodeRecord is the per-node document published under <prefix>/instances/<addr>.
// ServerID is a pointer so that "not yet allocated" is distinguishable from 0.
type NodeRecord struct {
	Address       string `json:"address"`
	ServerID      *int   `json:"server_id,omitempty"`
	EngineVersion string `json:"engine_version,omitempty"`
	Snapshotting  bool   `json:"snapshotting"`
	Restoring     bool   `json:"restoring"`
}

// Eligible reports whether the node may serve as a routing target.
func (n NodeRecord) Eligible() bool {
	return !n.Restoring && !n.Snapshotting
}

// DecodeNodeRecord parses a NodeRecord, rejecting payloads missing the
// required address field rather than returning a partially-valid value.
func DecodeNodeRecord(data []byte) (NodeRecord, error) {
	var rec NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return NodeRecord{}, fmt.Errorf("decode node record: %w", err)
	}
	if rec.Address == "" {
		return NodeRecord{}, fmt.Errorf("decode node record: missing required field \"address\"")
	}
	return rec, nil
}

// LeaderRecord is the single value stored at <ns>/replication_leader.
type LeaderRecord struct {
	Address string `json:"address"`
}

// DecodeLeaderRecord parses a LeaderRecord, rejecting payloads missing the
// required address field.
func DecodeLeaderRecord(data []byte) (LeaderRecord, error) {
	var rec LeaderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return LeaderRecord{}, fmt.Errorf("decode leader record: %w", err)
	}
	if rec.Address == "" {
		return LeaderRecord{}, fmt.Errorf("decode leader record: missing required field \"address\"")
	}
	return rec, nil
}

// ServerIDCounter is the single value stored at <ns>/server_id.
type ServerIDCounter struct {
	LastUsedID int `json:"last_used_id"`
}

// DecodeServerIDCounter parses a ServerIDCounter.
func DecodeServerIDCounter(data []byte) (ServerIDCounter, error) {
	var rec ServerIDCounter
	if err := json.Unmarshal(data, &rec); err != nil {
		return ServerIDCounter{}, fmt.Errorf("decode server id counter: %w", err)
	}
	return rec, nil
}
