package generator

import (
	"encoding/json"
	"os"
	"time"
)

// sidecarParams is the JSON record written next to each final artifact so a
// generation can be reproduced or inspected without the task record.
type sidecarParams struct {
	Plugin    string    `json:"plugin"`
	Version   string    `json:"version"`
	TaskID    string    `json:"task_id"`
	FrameID   string    `json:"frame_id"`
	GroupID   string    `json:"group_id"`
	VariantID int       `json:"variant_id"`
	Seed      int64     `json:"seed"`
	Input     Input     `json:"parameters"`
	CreatedAt time.Time `json:"created_at"`
}

// writeSidecar persists the generation parameters next to the artifact.
// Callers treat failures as best-effort: a missing sidecar never fails the
// generation.
func writeSidecar(artifactPath string, p sidecarParams) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(artifactPath+".params.json", data, 0o644)
}
