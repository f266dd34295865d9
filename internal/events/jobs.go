package events

// Queue subjects. One durable consumer group per worker deployment.
const (
	SubjectProcessUpload = "mediavault.upload.process"
	SubjectCoalesce      = "mediavault.media.coalesce"
	SubjectConvert       = "mediavault.media.convert"
	SubjectCleanup       = "mediavault.cleanup.run"
)

// Job payloads are plain snapshot records: ids and primitives only, never a
// live database handle, so they are safe to serialize into a queued message.

// ProcessUploadJob drives the core pipeline for one quarantined artifact.
type ProcessUploadJob struct {
	QuarantineToken  string `json:"quarantine_token"`
	TenantID         string `json:"tenant_id"`
	OwnerID          string `json:"owner_id"`
	Profile          string `json:"profile"`
	OriginalFilename string `json:"original_filename"`
	CorrelationID    string `json:"correlation_id"`
}

// CoalesceJob asks the scheduler to post-process the owner's latest artifact.
type CoalesceJob struct {
	TenantID      string `json:"tenant_id"`
	OwnerID       string `json:"owner_id"`
	Collection    string `json:"collection"`
	CorrelationID string `json:"correlation_id"`
}

// ConversionJob generates the named derived variants for one artifact.
type ConversionJob struct {
	ArtifactID    string   `json:"artifact_id"`
	TenantID      string   `json:"tenant_id"`
	OwnerID       string   `json:"owner_id"`
	Collection    string   `json:"collection"`
	Conversions   []string `json:"conversions"`
	CorrelationID string   `json:"correlation_id"`
}

// CleanupJob deletes orphaned artifact directories.
type CleanupJob struct {
	ArtifactsByDisk map[string][]string `json:"artifacts_by_disk"`
	PreserveIDs     []string            `json:"preserve_ids"`
	CorrelationID   string              `json:"correlation_id"`
}
