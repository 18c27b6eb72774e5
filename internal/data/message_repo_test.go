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

func TestMessageRepo_AppendAndMarkDelivered(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewMessageRepo(db)
		ctx := context.Background()
		now := testutil.TestTime()

		require.NoError(t, repo.AppendMessage(ctx, "acme/widgets#1", model.ChatMessage{
			Text: "also update the changelog", CreatedAt: now, Delivered: true,
		}))
		require.NoError(t, repo.AppendMessage(ctx, "acme/widgets#1", model.ChatMessage{
			Text: "use table-driven tests", CreatedAt: now.Add(1), Delivered: false,
		}))

		msgs, err := repo.Messages(ctx, "acme/widgets#1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].Delivered)
		assert.False(t, msgs[1].Delivered)
		assert.Equal(t, "use table-driven tests", msgs[1].Text)

		require.NoError(t, repo.MarkDelivered(ctx, "acme/widgets#1"))
		msgs, err = repo.Messages(ctx, "acme/widgets#1")
		require.NoError(t, err)
		assert.True(t, msgs[1].Delivered)
	})
}

func TestMessageRepo_EmptyJob(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewMessageRepo(db)
		msgs, err := repo.Messages(context.Background(), "acme/widgets#9")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}
