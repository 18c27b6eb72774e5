package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchforge/patchforge/internal/domain/model"
	"github.com/patchforge/patchforge/internal/testutil"
)

func TestJobLogRepo_AppendAndFetch(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobLogRepo(db)
		ctx := context.Background()
		now := testutil.TestTime()

		require.NoError(t, repo.AppendLines(ctx, "acme/widgets#1", []model.OutputLine{
			{Timestamp: now, Kind: model.LineStatus, Content: "cloning repository"},
			{Timestamp: now, Kind: model.LineText, Content: "looking at the parser"},
			{Timestamp: now, Kind: model.LineTool, Content: "Bash: go test ./..."},
		}))
		// Lines for another job never leak across keys.
		require.NoError(t, repo.AppendLines(ctx, "acme/widgets#2", []model.OutputLine{
			{Timestamp: now, Kind: model.LineText, Content: "other job"},
		}))

		lines, err := repo.LogsAfter(ctx, "acme/widgets#1", 0, 10)
		require.NoError(t, err)
		require.Len(t, lines, 3)
		assert.Equal(t, "cloning repository", lines[0].Content)
		assert.Equal(t, model.LineTool, lines[2].Kind)
		assert.Greater(t, lines[1].Seq, lines[0].Seq)
	})
}

func TestJobLogRepo_CursorAndLimit(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobLogRepo(db)
		ctx := context.Background()
		now := testutil.TestTime()

		for i := 0; i < 5; i++ {
			require.NoError(t, repo.AppendLines(ctx, "acme/widgets#1", []model.OutputLine{
				{Timestamp: now, Kind: model.LineText, Content: "line"},
			}))
		}

		first, err := repo.LogsAfter(ctx, "acme/widgets#1", 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)

		rest, err := repo.LogsAfter(ctx, "acme/widgets#1", first[1].Seq, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})
}

func TestJobLogRepo_AppendEmptyIsNoop(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewJobLogRepo(db)
		require.NoError(t, repo.AppendLines(context.Background(), "acme/widgets#1", nil))
	})
}
