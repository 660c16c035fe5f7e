package app

import (
	"context"
	"sort"
	"sync"

	"threatdesk/api/internal/access"
	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/store"
)

const (
	OpDownload = "download"
	OpUpload   = "upload"

	// presignWorkers bounds the fan-out for batch presigning.
	presignWorkers = 10

	maxPresignBatch = 100
)

type PresignItem struct {
	ThreatModelID string `json:"threatModelId"`
	Op            string `json:"op"`
}

// PresignResult is one item's outcome. Exactly one of URL or Error is set;
// one item's failure never affects its neighbors.
type PresignResult struct {
	ThreatModelID string `json:"threatModelId"`
	URL           string `json:"url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PresignDiagram issues a single presigned URL for the model's diagram.
// Downloads need read access, uploads need edit.
func (s *Service) PresignDiagram(ctx context.Context, threatModelID, userID, op string) (string, error) {
	level, err := requiredPresignLevel(op)
	if err != nil {
		return "", err
	}
	if _, err := s.access.RequireAccess(ctx, threatModelID, userID, level); err != nil {
		return "", err
	}
	tm, err := s.store.GetThreatModel(ctx, threatModelID)
	if err != nil {
		return "", apperr.FromStore(err)
	}
	return s.presign(ctx, tm.DiagramKey, op)
}

// PresignDiagramBatch resolves access for all items from one prefetched map,
// then fans the presign calls out over a bounded worker pool. The pool does
// not preserve submission order, so results are re-sorted to input order
// before returning.
func (s *Service) PresignDiagramBatch(ctx context.Context, userID string, items []PresignItem) ([]PresignResult, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("at least one item is required")
	}
	if len(items) > maxPresignBatch {
		return nil, apperr.Validation("too many items in one batch")
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ThreatModelID)
	}
	accessMap, err := s.access.Prefetch(ctx, ids, userID)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		index  int
		result PresignResult
	}

	jobs := make(chan int)
	out := make(chan indexed, len(items))

	var wg sync.WaitGroup
	for w := 0; w < presignWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out <- indexed{index: i, result: s.presignItem(ctx, accessMap, items[i])}
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(out)

	collected := make([]indexed, 0, len(items))
	for entry := range out {
		collected = append(collected, entry)
	}
	sort.Slice(collected, func(a, b int) bool { return collected[a].index < collected[b].index })

	results := make([]PresignResult, 0, len(items))
	for _, entry := range collected {
		results = append(results, entry.result)
	}
	return results, nil
}

func (s *Service) presignItem(ctx context.Context, accessMap *access.AccessMap, item PresignItem) PresignResult {
	result := PresignResult{ThreatModelID: item.ThreatModelID}

	level, err := requiredPresignLevel(item.Op)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	info, tm, err := accessMap.Resolve(item.ThreatModelID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if level == store.LevelEdit && !info.IsOwner && info.AccessLevel != store.LevelEdit {
		result.Error = apperr.Unauthorized("edit access required").Error()
		return result
	}

	url, err := s.presign(ctx, tm.DiagramKey, item.Op)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.URL = url
	return result
}

func (s *Service) presign(ctx context.Context, key, op string) (string, error) {
	if key == "" {
		return "", apperr.NotFound("threat model has no diagram")
	}
	var (
		url string
		err error
	)
	if op == OpUpload {
		url, err = s.blob.PresignUpload(ctx, key)
	} else {
		url, err = s.blob.PresignDownload(ctx, key)
	}
	if err != nil {
		return "", apperr.Internal("presign diagram url")
	}
	return url, nil
}

func requiredPresignLevel(op string) (string, error) {
	switch op {
	case OpDownload:
		return store.LevelReadOnly, nil
	case OpUpload:
		return store.LevelEdit, nil
	default:
		return "", apperr.Validation("op must be download or upload")
	}
}
