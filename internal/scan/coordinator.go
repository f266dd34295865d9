package scan

import (
	"context"
	"fmt"
	"log/slog"

	"mediavault/internal/errors"
	"mediavault/internal/quarantine"
	"mediavault/internal/storage"
)

// Coordinator resolves a quarantine token to its byte stream and asks the
// engine for a verdict. A positive detection is terminal and never retried;
// an unreachable engine is transient and the job system retries it with the
// quarantine entry preserved.
type Coordinator struct {
	engine   Engine
	provider storage.Provider
	logger   *slog.Logger
}

func NewCoordinator(engine Engine, provider storage.Provider, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		engine:   engine,
		provider: provider,
		logger:   logger.With(slog.String("component", "scan_coordinator")),
	}
}

// Scan streams the staged artifact through the engine.
func (c *Coordinator) Scan(ctx context.Context, token quarantine.Token, correlationID string) error {
	rc, err := c.provider.Get(ctx, storage.BucketQuarantine, token.Path)
	if err != nil {
		return errors.NewReason(errors.ErrSourceUnreadable, "open_failed",
			"Quarantined artifact could not be opened for scanning", err)
	}
	defer rc.Close()

	verdict, err := c.engine.Scan(ctx, rc)
	if err != nil {
		return errors.NewReason(errors.ErrScanFailed, "engine_io",
			"Scan could not be completed", err)
	}

	switch verdict.Status {
	case StatusClean:
		c.logger.InfoContext(ctx, "Scan clean",
			"token", token.ID, "correlation_id", correlationID)
		return nil

	case StatusInfected:
		c.logger.WarnContext(ctx, "Virus detected",
			"token", token.ID,
			"signature", verdict.Signature,
			"correlation_id", correlationID,
		)
		return errors.NewReason(errors.ErrVirusDetected, "signature_match",
			"File was rejected by the virus scanner", fmt.Errorf("signature %s", verdict.Signature))

	default:
		reason := verdict.Reason
		if reason == "" {
			reason = ReasonUnavailable
		}
		c.logger.WarnContext(ctx, "Scan engine unavailable",
			"token", token.ID,
			"reason", string(reason),
			"correlation_id", correlationID,
		)
		if TransientReasons[reason] {
			return errors.NewReason(errors.ErrScanFailed, string(reason),
				"Virus scanner is temporarily unavailable", nil)
		}
		return errors.NewReason(errors.ErrInternal, string(reason),
			"Virus scanner failed", nil)
	}
}
