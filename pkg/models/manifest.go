package models

import "time"

// SharedArtifact records where one declared artifact was materialized.
type SharedArtifact struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// ShareManifest is written once per (step, sharing participant). Its
// presence makes a repeated share a no-op.
type ShareManifest struct {
	SessionID string           `json:"session_id"`
	StepID    string           `json:"step_id"`
	SharedBy  string           `json:"shared_by"`
	Artifacts []SharedArtifact `json:"artifacts"`
	Readers   []string         `json:"readers"`
	SharedAt  time.Time        `json:"shared_at"`
}
