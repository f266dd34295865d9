package uploads

import (
	"context"

	"mediavault/internal/auth"
	"mediavault/internal/persist"
	"mediavault/internal/quarantine"
	"mediavault/internal/replace"
	"mediavault/internal/upload"
)

// StatusResponse reports where a queued upload currently is in the pipeline.
type StatusResponse struct {
	Token string `json:"token"`
	State string `json:"state"`
}

type UploadService interface {
	Submit(ctx context.Context, user auth.UserInfo, src upload.Source, profile, correlationID string) (*upload.QueuedUploadResult, error)
	ReplaceSync(ctx context.Context, user auth.UserInfo, src upload.Source, profile, correlationID string) (*replace.Result, error)
	Status(ctx context.Context, token string) (*StatusResponse, error)
}

type service struct {
	orch  *upload.Orchestrator
	coord *replace.Coordinator
	store *quarantine.Store
}

func NewUploadService(orch *upload.Orchestrator, coord *replace.Coordinator, store *quarantine.Store) UploadService {
	return &service{
		orch:  orch,
		coord: coord,
		store: store,
	}
}

func ownerOf(user auth.UserInfo) persist.OwnerKey {
	return persist.OwnerKey{TenantID: user.TenantID, OwnerID: user.ID}
}

// Submit quarantines the upload and queues processing. The caller gets a
// token to poll, never a blocking scan.
func (s *service) Submit(ctx context.Context, user auth.UserInfo, src upload.Source, profile, correlationID string) (*upload.QueuedUploadResult, error) {
	return s.orch.Upload(ctx, ownerOf(user), src, profile, correlationID)
}

// ReplaceSync runs the full pipeline in-request and schedules cleanup of any
// artifact the upload superseded.
func (s *service) ReplaceSync(ctx context.Context, user auth.UserInfo, src upload.Source, profile, correlationID string) (*replace.Result, error) {
	return s.coord.ReplaceWithSnapshot(ctx, ownerOf(user), src, profile, correlationID)
}

func (s *service) Status(ctx context.Context, tokenID string) (*StatusResponse, error) {
	token, err := s.store.ResolveToken(tokenID)
	if err != nil {
		return nil, err
	}
	state, err := s.store.GetState(ctx, token)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Token: token.ID, State: string(state)}, nil
}
