package testutil

// MediaArtifactCols must match the RETURNING clause order of the
// media_artifacts queries in internal/persist.
var MediaArtifactCols = []string{
	"id", "owner_id", "tenant_id", "collection", "disk", "filename",
	"mime", "size_bytes", "sha256", "conversions_pending", "created_at", "deleted_at",
}

// QuarantineCols must match the column order of quarantine_entries reads.
var QuarantineCols = []string{
	"id", "state", "original_filename", "detected_mime", "size_bytes",
	"sha256", "correlation_id", "pending_expires_at", "failed_expires_at",
	"created_at", "updated_at",
}
