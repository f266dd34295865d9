package persist

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is the in-process Adapter used by tests and local runs,
// mirroring the Postgres semantics including soft deletes.
type MemoryAdapter struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	seq       map[string]int
	nextSeq   int
}

var _ Adapter = (*MemoryAdapter)(nil)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		artifacts: make(map[string]*Artifact),
		seq:       make(map[string]int),
	}
}

func (m *MemoryAdapter) Attach(_ context.Context, owner OwnerKey, art NewArtifact, singleFile bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if singleFile {
		// Replaced rows are removed outright so the cleanup job's
		// trashed-inclusive existence re-check lets their files go.
		for id, a := range m.artifacts {
			if a.OwnerID == owner.OwnerID && a.TenantID == owner.TenantID &&
				a.Collection == art.Collection && a.DeletedAt == nil {
				delete(m.artifacts, id)
				delete(m.seq, id)
			}
		}
	}

	id := art.ID
	if id == "" {
		id = uuid.New().String()
	}
	m.artifacts[id] = &Artifact{
		ID:         id,
		OwnerID:    owner.OwnerID,
		TenantID:   owner.TenantID,
		Collection: art.Collection,
		Disk:       art.Disk,
		Filename:   art.Filename,
		MIME:       art.MIME,
		SizeBytes:  art.SizeBytes,
		SHA256:     art.SHA256,
		CreatedAt:  now,
	}
	m.nextSeq++
	m.seq[id] = m.nextSeq
	return id, nil
}

func (m *MemoryAdapter) CurrentArtifact(_ context.Context, owner OwnerKey, collection string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Artifact
	for _, a := range m.artifacts {
		if a.OwnerID != owner.OwnerID || a.TenantID != owner.TenantID ||
			a.Collection != collection || a.DeletedAt != nil {
			continue
		}
		if current == nil || m.seq[a.ID] > m.seq[current.ID] {
			current = a
		}
	}
	if current == nil {
		return nil, nil
	}
	copied := *current
	return &copied, nil
}

func (m *MemoryAdapter) ArtifactsFor(_ context.Context, owner OwnerKey, collection string) ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Artifact
	for _, a := range m.artifacts {
		if a.OwnerID == owner.OwnerID && a.TenantID == owner.TenantID &&
			a.Collection == collection && a.DeletedAt == nil {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *MemoryAdapter) Exists(_ context.Context, id string, includeTrashed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return false, nil
	}
	if !includeTrashed && a.DeletedAt != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryAdapter) MarkConversionsPending(_ context.Context, id string, conversions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return nil
	}
	a.ConversionsPending = append([]string(nil), conversions...)
	return nil
}

// SoftDelete marks a record trashed without removing it; test helper for
// simulating an owner deleted through the application.
func (m *MemoryAdapter) SoftDelete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[id]; ok {
		now := time.Now().UTC()
		a.DeletedAt = &now
	}
}

// Remove hard-deletes a record; test helper for simulating purged owners.
func (m *MemoryAdapter) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, id)
	delete(m.seq, id)
}
