package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
)

// SnapshotSchemaVersion guards resume compatibility across engine
// revisions. Bump on any breaking change to the envelope or state shape.
const SnapshotSchemaVersion = 1

// Snapshot is the checkpoint envelope written after every completed node
// dispatch. It round-trips exactly: Load(Save(s)) yields an equal state.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	RunID         string         `json:"run_id"`
	SavedAt       time.Time      `json:"saved_at"`
	CurrentNode   string         `json:"current_node"`
	StepCount     int            `json:"step_count"`
	State         *ResearchState `json:"state"`
	StateDigest   string         `json:"state_digest"`
}

// snapshotSchema validates the envelope shape before any field is trusted.
// Schema-version and digest checks happen after structural validation.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "run_id", "saved_at", "current_node", "step_count", "state", "state_digest"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "run_id": {"type": "string", "minLength": 1},
    "saved_at": {"type": "string"},
    "current_node": {"type": "string", "minLength": 1},
    "step_count": {"type": "integer", "minimum": 0},
    "state": {"type": "object"},
    "state_digest": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var compiledSnapshotSchema = mustCompileSnapshotSchema()

func mustCompileSnapshotSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("snapshot.schema.json", strings.NewReader(snapshotSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("snapshot.schema.json")
}

// DigestState returns the blake3 hex digest of the canonical state JSON.
func DigestState(s *ResearchState) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NewSnapshot builds an envelope around a deep copy of the state, so later
// handler mutations cannot leak into a snapshot awaiting write.
func NewSnapshot(runID, currentNode string, stepCount int, s *ResearchState) (*Snapshot, error) {
	cp := s.Clone()
	digest, err := DigestState(cp)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		RunID:         runID,
		SavedAt:       time.Now().UTC(),
		CurrentNode:   currentNode,
		StepCount:     stepCount,
		State:         cp,
		StateDigest:   digest,
	}, nil
}

// Save writes the envelope atomically (temp file + rename) so a crash
// mid-write never corrupts the previous checkpoint.
func (sn *Snapshot) Save(path string) error {
	b, err := json.MarshalIndent(sn, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'))
}

// LoadSnapshot reads, schema-validates, digest-verifies, and decodes a
// checkpoint envelope.
func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(b)
}

// DecodeSnapshot validates and decodes envelope bytes.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if err := compiledSnapshotSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("checkpoint schema: %w", err)
	}
	var sn Snapshot
	if err := json.Unmarshal(b, &sn); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if sn.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("checkpoint schema version %d not supported (want %d)", sn.SchemaVersion, SnapshotSchemaVersion)
	}
	digest, err := DigestState(sn.State)
	if err != nil {
		return nil, err
	}
	if digest != sn.StateDigest {
		return nil, fmt.Errorf("checkpoint digest mismatch: stored %s computed %s", sn.StateDigest, digest)
	}
	if err := sn.State.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint state: %w", err)
	}
	return &sn, nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
// Shared by checkpoint, manifest, live event, and final outcome writers.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'))
}
