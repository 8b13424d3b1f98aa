package memory

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SequencesBucket names the bucket holding the per-table identity sequences.
// Every other bucket is named after the table it holds.
const SequencesBucket = "_sequences"

// Bucket is one JSON-encoded slice of a snapshot, as written by the
// snapshotting stores.
type Bucket struct {
	Name    string
	Payload []byte
}

// Buckets encodes the snapshot as one bucket per table followed by the
// sequences bucket. Tables are ordered by name.
func (s Snapshot) Buckets() ([]Bucket, error) {
	tables := make([]string, 0, len(s.Tables))
	for table := range s.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	out := make([]Bucket, 0, len(tables)+1)
	for _, table := range tables {
		rows := s.Tables[table]
		if rows == nil {
			rows = map[int64]Row{}
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", table, err)
		}
		out = append(out, Bucket{Name: table, Payload: data})
	}
	seq := s.Sequences
	if seq == nil {
		seq = map[string]int64{}
	}
	data, err := json.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("encode sequences: %w", err)
	}
	return append(out, Bucket{Name: SequencesBucket, Payload: data}), nil
}

// DecodeBuckets rebuilds a snapshot from stored buckets. Empty payloads are
// skipped. The result still has to pass through ImportState, which normalizes
// the decoded values against the registry.
func DecodeBuckets(buckets []Bucket) (Snapshot, error) {
	snapshot := Snapshot{
		Tables:    make(map[string]map[int64]Row),
		Sequences: make(map[string]int64),
	}
	for _, b := range buckets {
		if len(b.Payload) == 0 {
			continue
		}
		if b.Name == SequencesBucket {
			if err := json.Unmarshal(b.Payload, &snapshot.Sequences); err != nil {
				return Snapshot{}, fmt.Errorf("decode sequences: %w", err)
			}
			continue
		}
		var rows map[int64]Row
		if err := json.Unmarshal(b.Payload, &rows); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", b.Name, err)
		}
		snapshot.Tables[b.Name] = rows
	}
	return snapshot, nil
}
