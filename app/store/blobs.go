package store

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// blobVersion is the schema version written into every structured JSON column
const blobVersion = 1

// ResourceUsage keeps what a finished job consumed, stored in generation_history.resource_usage
type ResourceUsage struct {
	V           int     `json:"v"`
	DurationMs  int64   `json:"duration_ms"`
	EngineTime  float64 `json:"engine_time,omitempty"`  // seconds reported by the engine
	OutputBytes int64   `json:"output_bytes,omitempty"` // size of all produced artifacts
	EngineRSS   uint64  `json:"engine_rss,omitempty"`   // engine process resident memory at settlement
}

// Value implements driver.Valuer
func (r ResourceUsage) Value() (driver.Value, error) {
	r.V = blobVersion
	return marshalBlob(r)
}

// Scan implements sql.Scanner
func (r *ResourceUsage) Scan(src any) error {
	*r = ResourceUsage{}
	return unmarshalBlob(src, r, "resource usage")
}

// JobOptions are generation parameters of a job, stored in generation_history.options
type JobOptions struct {
	V         int    `json:"v"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Steps     int    `json:"steps,omitempty"`
	Preset    string `json:"preset,omitempty"`
	ImageName string `json:"image_name,omitempty"` // original file name of the uploaded image
}

// Value implements driver.Valuer
func (o JobOptions) Value() (driver.Value, error) {
	o.V = blobVersion
	return marshalBlob(o)
}

// Scan implements sql.Scanner
func (o *JobOptions) Scan(src any) error {
	*o = JobOptions{}
	return unmarshalBlob(src, o, "job options")
}

// AssetMetadata describes an asset file, stored in assets.metadata
type AssetMetadata struct {
	V        int               `json:"v"`
	Format   string            `json:"format,omitempty"`
	Source   string            `json:"source,omitempty"` // job id produced the asset
	Textures []string          `json:"textures,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Value implements driver.Valuer
func (m AssetMetadata) Value() (driver.Value, error) {
	m.V = blobVersion
	return marshalBlob(m)
}

// Scan implements sql.Scanner
func (m *AssetMetadata) Scan(src any) error {
	*m = AssetMetadata{}
	return unmarshalBlob(src, m, "asset metadata")
}

// SessionResult is a summary of a finished session, stored in sessions.result
type SessionResult struct {
	V           int    `json:"v"`
	EngineJobID string `json:"engine_job_id,omitempty"`
	ImagePath   string `json:"image_path,omitempty"`
	MeshPath    string `json:"mesh_path,omitempty"`
	OutputBytes int64  `json:"output_bytes,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"` // session wall time, set on complete and failed
}

// Value implements driver.Valuer
func (r SessionResult) Value() (driver.Value, error) {
	r.V = blobVersion
	return marshalBlob(r)
}

// Scan implements sql.Scanner
func (r *SessionResult) Scan(src any) error {
	*r = SessionResult{}
	return unmarshalBlob(src, r, "session result")
}

func marshalBlob(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blob: %w", err)
	}
	return string(data), nil
}

// unmarshalBlob decodes a versioned JSON column, empty column leaves dst untouched.
// unknown versions, unknown fields and malformed JSON are errors.
func unmarshalBlob(src, dst any, kind string) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("can't scan %T into %s", src, kind)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var head struct {
		V *int `json:"v"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("malformed %s: %w", kind, err)
	}
	if head.V == nil {
		return fmt.Errorf("%s has no schema version", kind)
	}
	if *head.V != blobVersion {
		return fmt.Errorf("unsupported %s schema version %d", kind, *head.V)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid %s: %w", kind, err)
	}
	return nil
}
