// Package vectorindextest holds behaviour checks every vectorindex.Index
// backend must pass.
package vectorindextest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

// Factory returns a fresh, empty index for one subtest.
type Factory func(t *testing.T) vectorindex.Index

func unit(dim, hot int, scale float32) models.Vector {
	v := make(models.Vector, dim)
	v[hot] = scale
	return v
}

func rec(id string, v models.Vector, text string) models.IndexRecord {
	return models.IndexRecord{ID: id, Vector: v, Payload: map[string]string{models.PayloadTextKey: text}}
}

// Run executes the shared checks against indexes produced by newIndex.
func Run(t *testing.T, newIndex Factory) {
	ctx := context.Background()
	schema := models.IndexSchema{Name: "docs", Dimension: 4, Metric: models.MetricCosine}

	t.Run("CreateIndexIdempotent", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))
		require.NoError(t, idx.CreateIndex(ctx, schema))

		got, err := idx.Schema(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, schema, got)
	})

	t.Run("SchemaConflict", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, models.IndexSchema{Name: "docs", Dimension: 384}))

		err := idx.CreateIndex(ctx, models.IndexSchema{Name: "docs", Dimension: 768})
		assert.ErrorIs(t, err, models.ErrIndexSchemaConflict)

		got, err := idx.Schema(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, 384, got.Dimension)
	})

	t.Run("UpsertReplacesById", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		require.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{rec("a", unit(4, 0, 1), "old")}))
		require.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{rec("a", unit(4, 1, 1), "new")}))

		n, err := idx.Count(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		matches, err := idx.Query(ctx, "docs", unit(4, 1, 1), 1, true)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID)
		assert.Equal(t, "new", matches[0].Text())
		assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	})

	t.Run("UpsertSameBatchTwiceKeepsCount", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))
		batch := []models.IndexRecord{
			rec("a", unit(4, 0, 1), "a"),
			rec("b", unit(4, 1, 1), "b"),
			rec("c", unit(4, 2, 1), "c"),
		}
		require.NoError(t, idx.Upsert(ctx, "docs", batch))
		require.NoError(t, idx.Upsert(ctx, "docs", batch))

		n, err := idx.Count(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("UpsertRejectsWrongDimension", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		err := idx.Upsert(ctx, "docs", []models.IndexRecord{rec("a", unit(3, 0, 1), "x")})
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	})

	t.Run("UpsertRejectsZeroVector", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		err := idx.Upsert(ctx, "docs", []models.IndexRecord{rec("a", make(models.Vector, 4), "x")})
		assert.ErrorIs(t, err, models.ErrMalformedInput)
	})

	t.Run("UnknownIndex", func(t *testing.T) {
		idx := newIndex(t)

		_, err := idx.Query(ctx, "missing", unit(4, 0, 1), 1, false)
		assert.ErrorIs(t, err, models.ErrIndexNotFound)
		err = idx.Upsert(ctx, "missing", []models.IndexRecord{rec("a", unit(4, 0, 1), "x")})
		assert.ErrorIs(t, err, models.ErrIndexNotFound)
	})

	t.Run("QueryRankingAndTies", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))
		require.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{
			rec("far", unit(4, 3, 1), "far"),
			rec("tie-b", models.Vector{1, 1, 0, 0}, "tie-b"),
			rec("tie-a", models.Vector{1, 1, 0, 0}, "tie-a"),
			rec("best", unit(4, 0, 2), "best"),
		}))

		matches, err := idx.Query(ctx, "docs", unit(4, 0, 1), 4, false)
		require.NoError(t, err)
		require.Len(t, matches, 4)

		ids := []string{matches[0].ID, matches[1].ID, matches[2].ID, matches[3].ID}
		assert.Equal(t, []string{"best", "tie-a", "tie-b", "far"}, ids)
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
		}
		assert.Nil(t, matches[0].Payload)
	})

	t.Run("QueryTopKLargerThanSize", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))
		require.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{
			rec("a", unit(4, 0, 1), "a"),
			rec("b", unit(4, 1, 1), "b"),
		}))

		matches, err := idx.Query(ctx, "docs", unit(4, 0, 1), 50, true)
		require.NoError(t, err)
		assert.Len(t, matches, 2)
	})

	t.Run("QueryEmptyIndex", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		matches, err := idx.Query(ctx, "docs", unit(4, 0, 1), 4, true)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("QueryTopKBounds", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		_, err := idx.Query(ctx, "docs", unit(4, 0, 1), 0, false)
		assert.ErrorIs(t, err, models.ErrMalformedInput)
		_, err = idx.Query(ctx, "docs", unit(4, 0, 1), 1_000_000, false)
		assert.ErrorIs(t, err, models.ErrMalformedInput)
	})

	t.Run("TopKMonotonic", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))
		var batch []models.IndexRecord
		for i := 0; i < 8; i++ {
			v := models.Vector{float32(i + 1), float32(8 - i), float32(i % 3), 1}
			batch = append(batch, rec(fmt.Sprintf("r%d", i), v, fmt.Sprint(i)))
		}
		require.NoError(t, idx.Upsert(ctx, "docs", batch))

		q := models.Vector{1, 2, 0, 1}
		small, err := idx.Query(ctx, "docs", q, 3, false)
		require.NoError(t, err)
		large, err := idx.Query(ctx, "docs", q, 6, false)
		require.NoError(t, err)

		require.Len(t, small, 3)
		require.Len(t, large, 6)
		assert.Equal(t, small, large[:3])
	})

	t.Run("ConcurrentUpsertSameID", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				text := fmt.Sprintf("writer-%d", w)
				assert.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{rec("same", unit(4, w, 1), text)}))
			}(w)
		}
		wg.Wait()

		n, err := idx.Count(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// vector and payload must come from the same writer
		matches, err := idx.Query(ctx, "docs", unit(4, 0, 1), 1, true)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		winner := matches[0].Text()
		var hot int
		_, err = fmt.Sscanf(winner, "writer-%d", &hot)
		require.NoError(t, err)
		check, err := idx.Query(ctx, "docs", unit(4, hot, 1), 1, false)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, check[0].Score, 1e-5)
	})

	t.Run("RejectsInvalidNames", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.CreateIndex(ctx, schema))

		for _, name := range []string{"_docqa_schemas", "My-Docs", "my_docs", "docs/../x", ""} {
			err := idx.CreateIndex(ctx, models.IndexSchema{Name: name, Dimension: 4})
			assert.ErrorIs(t, err, models.ErrMalformedInput, "create %q", name)

			err = idx.DeleteIndex(ctx, name)
			assert.ErrorIs(t, err, models.ErrMalformedInput, "delete %q", name)

			_, err = idx.Schema(ctx, name)
			assert.ErrorIs(t, err, models.ErrMalformedInput, "schema %q", name)
		}

		got, err := idx.Schema(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, schema, got)
	})
}
