package worker

import (
	"encoding/json"
	"time"
)

// JobType identifies what kind of work a job represents.
type JobType string

const (
	JobProcessMaterial   JobType = "process_material"
	JobUpgradeMaterial   JobType = "upgrade_material"
	JobEnrichMaterial    JobType = "enrich_material"
	JobResegmentMaterial JobType = "resegment_material"
)

// Job represents a unit of work to be processed by a worker.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	MaterialID string          `json:"material_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// Attempts counts earlier failed runs of this job.
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`

	// raw is the exact queue entry, needed to acknowledge it in Redis.
	raw string
}

// ProcessPayload is the data needed for a process_material job.
type ProcessPayload struct {
	FileURL  string `json:"file_url"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
}

// NewJob builds a job for a material, encoding payload when non-nil.
func NewJob(t JobType, materialID string, payload any) (Job, error) {
	j := Job{Type: t, MaterialID: materialID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Job{}, err
		}
		j.Payload = data
	}
	return j, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}
