// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// Store implements every repository interface over process-local maps.
// It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]indexer.Project
	sitemaps    map[uuid.UUID]indexer.Sitemap
	sitemapKeys map[string]uuid.UUID
	urls        map[uuid.UUID]indexer.URLEntry
	urlKeys     map[string]uuid.UUID
	jobs        map[uuid.UUID]indexer.Job
	submissions []indexer.Submission
	credentials map[string]indexer.Credential
	quotas      map[string]*indexer.QuotaUsage
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		projects:    make(map[uuid.UUID]indexer.Project),
		sitemaps:    make(map[uuid.UUID]indexer.Sitemap),
		sitemapKeys: make(map[string]uuid.UUID),
		urls:        make(map[uuid.UUID]indexer.URLEntry),
		urlKeys:     make(map[string]uuid.UUID),
		jobs:        make(map[uuid.UUID]indexer.Job),
		credentials: make(map[string]indexer.Credential),
		quotas:      make(map[string]*indexer.QuotaUsage),
	}
}

func sitemapKey(projectID uuid.UUID, url string) string {
	return projectID.String() + "|" + url
}

func urlKey(projectID uuid.UUID, locHash string) string {
	return projectID.String() + "|" + locHash
}

func credentialKey(projectID uuid.UUID, engine indexer.Engine) string {
	return projectID.String() + "|" + string(engine)
}

func quotaKey(projectID uuid.UUID, engine indexer.Engine, day time.Time) string {
	return projectID.String() + "|" + string(engine) + "|" + indexer.QuotaDay(day).Format("2006-01-02")
}

// PutProject seeds a project row.
func (s *Store) PutProject(p indexer.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// GetProject implements indexer.ProjectStore.
func (s *Store) GetProject(_ context.Context, id uuid.UUID) (indexer.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return indexer.Project{}, indexer.ErrNotFound
	}
	return p, nil
}

// UpdateProjectCounters implements indexer.ProjectStore.
func (s *Store) UpdateProjectCounters(_ context.Context, id uuid.UUID) (indexer.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return indexer.Counters{}, indexer.ErrNotFound
	}
	var c indexer.Counters
	for _, u := range s.urls {
		if u.ProjectID != id || u.RemovedAt != nil {
			continue
		}
		c.Total++
		switch u.GoogleStatus {
		case indexer.URLIndexed:
			c.Indexed++
		case indexer.URLDiscovered, indexer.URLQueued, indexer.URLSubmitted:
			c.Pending++
		case indexer.URLError4xx, indexer.URLError5xx, indexer.URLCrawlError:
			c.Error++
		}
	}
	now := time.Now().UTC()
	p.Counters = c
	p.LastScanAt = &now
	s.projects[id] = p
	return c, nil
}

// StampSubmission implements indexer.ProjectStore.
func (s *Store) StampSubmission(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return indexer.ErrNotFound
	}
	p.LastSubmissionAt = &at
	s.projects[id] = p
	return nil
}

// GetSitemapByURL implements indexer.SitemapStore.
func (s *Store) GetSitemapByURL(_ context.Context, projectID uuid.UUID, url string) (indexer.Sitemap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sitemapKeys[sitemapKey(projectID, url)]
	if !ok {
		return indexer.Sitemap{}, indexer.ErrNotFound
	}
	return s.sitemaps[id], nil
}

// UpsertSitemap implements indexer.SitemapStore.
func (s *Store) UpsertSitemap(_ context.Context, sm indexer.Sitemap) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sitemapKey(sm.ProjectID, sm.URL)
	if existing, ok := s.sitemapKeys[key]; ok {
		sm.ID = existing
	} else if sm.ID == uuid.Nil {
		sm.ID = uuid.New()
	}
	s.sitemapKeys[key] = sm.ID
	s.sitemaps[sm.ID] = sm
	return sm.ID, nil
}

// SitemapCount reports the number of distinct sitemap rows.
func (s *Store) SitemapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sitemaps)
}

// UpsertBatch implements indexer.URLStore.
func (s *Store) UpsertBatch(_ context.Context, projectID uuid.UUID, sitemapID *uuid.UUID, entries []indexer.URLEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		key := urlKey(projectID, e.LocHash)
		if existing, ok := s.urlKeys[key]; ok {
			row := s.urls[existing]
			row.SitemapID = sitemapID
			row.LastMod = e.LastMod
			row.ChangeFreq = e.ChangeFreq
			row.Priority = e.Priority
			row.RemovedAt = nil
			s.urls[existing] = row
			continue
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.ProjectID = projectID
		e.SitemapID = sitemapID
		e.GoogleStatus = indexer.URLDiscovered
		e.BingStatus = indexer.URLDiscovered
		if e.FirstSeenAt.IsZero() {
			e.FirstSeenAt = time.Now().UTC()
		}
		s.urlKeys[key] = e.ID
		s.urls[e.ID] = e
	}
	return len(entries), nil
}

// ListByIDs implements indexer.URLStore.
func (s *Store) ListByIDs(_ context.Context, ids []uuid.UUID) ([]indexer.URLRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []indexer.URLRef
	for _, id := range ids {
		if u, ok := s.urls[id]; ok {
			refs = append(refs, indexer.URLRef{ID: u.ID, Loc: u.Loc})
		}
	}
	return refs, nil
}

// MarkSubmitted implements indexer.URLStore.
func (s *Store) MarkSubmitted(_ context.Context, engine indexer.Engine, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		u, ok := s.urls[id]
		if !ok {
			continue
		}
		switch engine {
		case indexer.EngineGoogle:
			u.GoogleStatus = indexer.URLSubmitted
			u.GoogleSubmittedAt = &at
		case indexer.EngineIndexNow:
			u.BingStatus = indexer.URLSubmitted
			u.BingSubmittedAt = &at
		}
		s.urls[id] = u
	}
	return nil
}

// MarkStatus implements indexer.URLStore.
func (s *Store) MarkStatus(_ context.Context, engine indexer.Engine, id uuid.UUID, status indexer.URLStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	if !ok {
		return indexer.ErrNotFound
	}
	switch engine {
	case indexer.EngineGoogle:
		u.GoogleStatus = status
	case indexer.EngineIndexNow:
		u.BingStatus = status
	}
	s.urls[id] = u
	return nil
}

// URL returns a copy of the url row by id.
func (s *Store) URL(id uuid.UUID) (indexer.URLEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	return u, ok
}

// URLByLoc finds a url row by project and loc hash.
func (s *Store) URLByLoc(projectID uuid.UUID, locHash string) (indexer.URLEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.urlKeys[urlKey(projectID, locHash)]
	if !ok {
		return indexer.URLEntry{}, false
	}
	return s.urls[id], true
}

// URLCount reports the number of distinct url rows.
func (s *Store) URLCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// CreateJob implements indexer.JobStore.
func (s *Store) CreateJob(_ context.Context, job indexer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Type == indexer.JobFullScan || job.Type == indexer.JobIncrementalSync {
		for _, existing := range s.jobs {
			if existing.ProjectID == job.ProjectID && existing.Type == job.Type && !existing.Status.Terminal() {
				return indexer.ErrConflict
			}
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob implements indexer.JobStore.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (indexer.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return indexer.Job{}, indexer.ErrNotFound
	}
	return job, nil
}

// HasActiveJob implements indexer.JobStore.
func (s *Store) HasActiveJob(_ context.Context, projectID uuid.UUID, jobType indexer.JobType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ProjectID == projectID && job.Type == jobType && !job.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// UpdateJobStatus implements indexer.JobStore.
func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status indexer.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return indexer.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.ErrorMessage = errMsg
	if status == indexer.JobProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	s.jobs[id] = job
	return nil
}

// UpdateJobProgress implements indexer.JobStore.
func (s *Store) UpdateJobProgress(_ context.Context, id uuid.UUID, progress, processed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return indexer.ErrNotFound
	}
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.ProcessedItems = processed
	job.TotalItems = total
	s.jobs[id] = job
	return nil
}

// AppendSubmissions implements indexer.SubmissionStore.
func (s *Store) AppendSubmissions(_ context.Context, subs []indexer.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, subs...)
	return nil
}

// Submissions returns a copy of all appended submission rows.
func (s *Store) Submissions() []indexer.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]indexer.Submission(nil), s.submissions...)
}

// PutCredential seeds a credential row.
func (s *Store) PutCredential(cred indexer.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credentialKey(cred.ProjectID, cred.Engine)] = cred
}

// GetCredential implements indexer.CredentialStore.
func (s *Store) GetCredential(_ context.Context, projectID uuid.UUID, engine indexer.Engine) (indexer.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credentialKey(projectID, engine)]
	if !ok {
		return indexer.Credential{}, indexer.ErrNotFound
	}
	return cred, nil
}

// SaveCredential implements indexer.CredentialStore.
func (s *Store) SaveCredential(_ context.Context, cred indexer.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credentialKey(cred.ProjectID, cred.Engine)] = cred
	return nil
}

// MarkCredentialUsed implements indexer.CredentialStore.
func (s *Store) MarkCredentialUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cred := range s.credentials {
		if cred.ID == id {
			cred.LastUsedAt = &at
			s.credentials[key] = cred
			return nil
		}
	}
	return indexer.ErrNotFound
}

// InvalidateCredential implements indexer.CredentialStore.
func (s *Store) InvalidateCredential(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cred := range s.credentials {
		if cred.ID == id {
			cred.IsValid = false
			s.credentials[key] = cred
			return nil
		}
	}
	return indexer.ErrNotFound
}

// SetQuota seeds a quota row.
func (s *Store) SetQuota(projectID uuid.UUID, engine indexer.Engine, day time.Time, used, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey(projectID, engine, day)] = &indexer.QuotaUsage{
		ProjectID: projectID,
		Engine:    engine,
		Date:      indexer.QuotaDay(day),
		Used:      used,
		Limit:     limit,
	}
}

// GetQuota implements indexer.QuotaStore.
func (s *Store) GetQuota(_ context.Context, projectID uuid.UUID, engine indexer.Engine, day time.Time) (indexer.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotas[quotaKey(projectID, engine, day)]; ok {
		return *q, nil
	}
	return indexer.QuotaUsage{ProjectID: projectID, Engine: engine, Date: indexer.QuotaDay(day)}, nil
}

// IncrementQuota implements indexer.QuotaStore.
func (s *Store) IncrementQuota(_ context.Context, projectID uuid.UUID, engine indexer.Engine, day time.Time, delta, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quotaKey(projectID, engine, day)
	q, ok := s.quotas[key]
	if !ok {
		q = &indexer.QuotaUsage{
			ProjectID: projectID,
			Engine:    engine,
			Date:      indexer.QuotaDay(day),
			Limit:     limit,
		}
		s.quotas[key] = q
	}
	q.Used += delta
	return q.Used, nil
}
