package resource

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ownerRepository interface {
	Repository
	OwnerDirectory
}

// repositoryBackends lists every backend that runs without external services.
func repositoryBackends() map[string]func(t *testing.T) ownerRepository {
	return map[string]func(t *testing.T) ownerRepository{
		"memory": func(t *testing.T) ownerRepository {
			return NewMemoryRepository()
		},
		"sqlite": func(t *testing.T) ownerRepository {
			repo, err := NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "deepsentinel.db"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo
		},
		"dynamodb": func(t *testing.T) ownerRepository {
			return NewDynamoDBRepositoryWithClient(newFakeDynamoDB(), "test-")
		},
	}
}

func TestRepositoryBackends(t *testing.T) {
	for name, newRepo := range repositoryBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newRepo(t)) })
			t.Run("list newest first", func(t *testing.T) { testListOrder(t, newRepo(t)) })
			t.Run("update merges", func(t *testing.T) { testUpdate(t, newRepo(t)) })
			t.Run("delete", func(t *testing.T) { testDelete(t, newRepo(t)) })
			t.Run("owner projection", func(t *testing.T) { testOwnerProjection(t, newRepo(t)) })
			t.Run("kinds are separate", func(t *testing.T) { testKindsSeparate(t, newRepo(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, KindAnalysis, Record{
		Payload: &Analysis{Ref: "fs://uploads/a.mp4", Status: AnalysisPending},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, KindAnalysis, created.Kind)
	assert.False(t, created.CreatedAt.IsZero())
	assert.True(t, created.CreatedAt.Equal(created.UpdatedAt))

	got, err := repo.Get(ctx, KindAnalysis, created.ID)
	require.NoError(t, err)
	a := got.Payload.(*Analysis)
	assert.Equal(t, "fs://uploads/a.mp4", a.Ref)
	assert.Equal(t, AnalysisPending, a.Status)
	assert.Zero(t, a.Confidence)
	assert.Nil(t, a.AnalyzedAt)
	assert.Nil(t, got.Owner)

	_, err = repo.Get(ctx, KindAnalysis, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Create(ctx, KindAnalysis, Record{Payload: &Report{Title: "t", Content: "c"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func testListOrder(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, KindReport, Record{
			Payload: &Report{Title: fmt.Sprintf("r%d", i), Content: "c", Status: ReportPending},
		})
		require.NoError(t, err)
	}

	count, err := repo.Count(ctx, KindReport)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	page, err := repo.List(ctx, KindReport, 1, 3)
	require.NoError(t, err)
	var titles []string
	for _, rec := range page {
		titles = append(titles, rec.Payload.(*Report).Title)
	}
	assert.Equal(t, []string{"r3", "r2", "r1"}, titles)

	tail, err := repo.List(ctx, KindReport, 3, math.MaxInt)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	for _, bounds := range [][2]int{{10, 3}, {-20, 20}, {math.MinInt, 3}, {0, 0}} {
		empty, err := repo.List(ctx, KindReport, bounds[0], bounds[1])
		require.NoError(t, err, "offset %d limit %d", bounds[0], bounds[1])
		assert.Empty(t, empty, "offset %d limit %d", bounds[0], bounds[1])
	}
}

func testUpdate(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, KindAnalysis, Record{
		OwnerID: "u-1",
		Payload: &Analysis{Ref: "fs://uploads/a.mp4", Status: AnalysisPending},
	})
	require.NoError(t, err)

	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	updated, err := repo.Update(ctx, KindAnalysis, created.ID, Fields{
		"status":     "fake",
		"confidence": 0.92,
		"metrics":    map[string]float64{"lip_sync": 0.81, "blink_rate": 0.12},
		"report":     "face boundary artifacts",
		"analyzedAt": at,
	})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	got, err := repo.Get(ctx, KindAnalysis, created.ID)
	require.NoError(t, err)
	a := got.Payload.(*Analysis)
	assert.Equal(t, AnalysisFake, a.Status)
	assert.InDelta(t, 0.92, a.Confidence, 1e-9)
	assert.Equal(t, map[string]float64{"lip_sync": 0.81, "blink_rate": 0.12}, a.Metrics)
	assert.Equal(t, "face boundary artifacts", a.Report)
	assert.Equal(t, "fs://uploads/a.mp4", a.Ref)
	assert.Equal(t, "u-1", got.OwnerID)
	require.NotNil(t, a.AnalyzedAt)
	assert.True(t, at.Equal(*a.AnalyzedAt))
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))

	_, err = repo.Update(ctx, KindAnalysis, created.ID, Fields{"confidence": 3})
	assert.ErrorIs(t, err, ErrInvalidInput)
	got, err = repo.Get(ctx, KindAnalysis, created.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.92, got.Payload.(*Analysis).Confidence, 1e-9)

	_, err = repo.Update(ctx, KindAnalysis, "missing", Fields{"status": "real"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDelete(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, KindReport, Record{Payload: &Report{Title: "t", Content: "c", Status: ReportPending}})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, KindReport, created.ID))
	_, err = repo.Get(ctx, KindReport, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, KindReport, created.ID), ErrNotFound)
}

func testOwnerProjection(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	require.NoError(t, repo.PutOwner(ctx, Owner{ID: "u-1", Name: "Ada", Email: "ada@example.com"}))
	require.NoError(t, repo.PutOwner(ctx, Owner{ID: "u-1", Name: "Ada L.", Email: "ada@example.com"}))
	assert.ErrorIs(t, repo.PutOwner(ctx, Owner{Name: "nobody"}), ErrInvalidInput)

	known, err := repo.Create(ctx, KindReport, Record{OwnerID: "u-1", Payload: &Report{Title: "t", Content: "c", Status: ReportPending}})
	require.NoError(t, err)
	unknown, err := repo.Create(ctx, KindReport, Record{OwnerID: "u-2", Payload: &Report{Title: "t", Content: "c", Status: ReportPending}})
	require.NoError(t, err)

	got, err := repo.Get(ctx, KindReport, known.ID)
	require.NoError(t, err)
	assert.Equal(t, &Owner{ID: "u-1", Name: "Ada L.", Email: "ada@example.com"}, got.Owner)

	got, err = repo.Get(ctx, KindReport, unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, &Owner{ID: "u-2"}, got.Owner)

	list, err := repo.List(ctx, KindReport, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u-2", list[0].Owner.ID)
	assert.Equal(t, "Ada L.", list[1].Owner.Name)
}

func testKindsSeparate(t *testing.T, repo ownerRepository) {
	stepClock(t)
	ctx := context.Background()

	rep, err := repo.Create(ctx, KindReport, Record{Payload: &Report{Title: "t", Content: "c", Status: ReportPending}})
	require.NoError(t, err)

	_, err = repo.Get(ctx, KindAnalysis, rep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	count, err := repo.Count(ctx, KindAnalysis)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = repo.Get(ctx, Kind("thumbnail"), rep.ID)
	assert.ErrorIs(t, err, ErrUnknownKind)
}
