package plana

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) DBI {
	t.Helper()
	gdb, err := CreateDB(
		context.Background(),
		filepath.Join(t.TempDir(), "test.sqlite3"),
		nil,
	)
	require.NoError(t, err)
	return NewDatabase(gdb, quietLogger())
}

func seedUsers(t *testing.T, db DBI, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(
			t,
			db.DB().Create(&User{ModelStringID: ModelStringID{ID: id}}).Error,
		)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(
		slog.NewTextHandler(
			io.Discard,
			&slog.HandlerOptions{Level: slog.LevelError},
		),
	)
}

func TestQueuePushPopFIFO(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 10, MaxAge: time.Minute},
		quietLogger(),
	)
	seedUsers(t, db, "user1")

	now := time.Now()
	second := &ChatRequest{
		UserID: "user1",
		Prompt: "second",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-2 * time.Second).UnixMilli(),
		},
	}
	first := &ChatRequest{
		UserID: "user1",
		Prompt: "first",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-3 * time.Second).UnixMilli(),
		},
	}
	third := &ChatRequest{
		UserID: "user1",
		Prompt: "third",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-time.Second).UnixMilli(),
		},
	}

	// push out of order - pop order follows creation time
	require.NoError(t, q.Push(ctx, second, db))
	require.NoError(t, q.Push(ctx, first, db))
	require.NoError(t, q.Push(ctx, third, db))
	assert.Equal(t, 3, q.Len())

	for _, expected := range []string{"first", "second", "third"} {
		req := q.Pop(ctx)
		require.NotNil(t, req)
		assert.Equal(t, expected, req.Prompt)
		assert.Equal(t, ChatRequestStateQueued, req.State)
		assert.NotZero(t, req.ID, "push should have persisted the request")
	}
	assert.Nil(t, q.Pop(ctx))
}

func TestQueueFullAbortsOldest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 2, MaxAge: time.Minute},
		quietLogger(),
	)
	seedUsers(t, db, "user1")

	now := time.Now()
	oldest := &ChatRequest{
		UserID: "user1",
		Prompt: "oldest",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-3 * time.Second).UnixMilli(),
		},
	}
	middle := &ChatRequest{
		UserID: "user1",
		Prompt: "middle",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-2 * time.Second).UnixMilli(),
		},
	}
	newest := &ChatRequest{
		UserID: "user1",
		Prompt: "newest",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-time.Second).UnixMilli(),
		},
	}

	require.NoError(t, q.Push(ctx, oldest, db))
	require.NoError(t, q.Push(ctx, middle, db))
	require.NoError(t, q.Push(ctx, newest, db))
	assert.Equal(t, 2, q.Len())

	var stored ChatRequest
	require.NoError(t, db.DB().First(&stored, oldest.ID).Error)
	assert.Equal(t, ChatRequestStateAborted, stored.State)

	req := q.Pop(ctx)
	require.NotNil(t, req)
	assert.Equal(t, "middle", req.Prompt)
	req = q.Pop(ctx)
	require.NotNil(t, req)
	assert.Equal(t, "newest", req.Prompt)
}

func TestQueuePushRejectsOldRequest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 10, MaxAge: time.Minute},
		quietLogger(),
	)
	seedUsers(t, db, "user1")

	req := &ChatRequest{
		UserID: "user1",
		Prompt: "stale",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
		},
	}
	err := q.Push(ctx, req, db)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChatRequestTooOld)
	assert.Equal(t, 0, q.Len())

	var stored ChatRequest
	require.NoError(t, db.DB().First(&stored, req.ID).Error)
	assert.Equal(t, ChatRequestStateExpired, stored.State)
}

func TestQueuePopDiscardsExpired(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 10, MaxAge: time.Minute},
		quietLogger(),
	)
	seedUsers(t, db, "user1")

	req := &ChatRequest{
		UserID: "user1",
		Prompt: "soon to expire",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: time.Now().Add(-30 * time.Second).UnixMilli(),
		},
	}
	require.NoError(t, q.Push(ctx, req, db))

	// age the request past the limit while it sits in the queue
	req.CreatedAt = time.Now().Add(-2 * time.Minute).UnixMilli()

	assert.Nil(t, q.Pop(ctx))
	assert.Equal(t, 0, q.Len())

	var stored ChatRequest
	require.NoError(t, db.DB().First(&stored, req.ID).Error)
	assert.Equal(t, ChatRequestStateExpired, stored.State)
}

func TestQueuePopDiscardsIgnoredUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 10, MaxAge: time.Minute},
		quietLogger(),
	)

	req := &ChatRequest{
		UserID: "user1",
		User: &User{
			ModelStringID: ModelStringID{ID: "user1"},
			Ignored:       true,
		},
		Prompt: "ignored",
	}
	require.NoError(t, q.Push(ctx, req, db))

	assert.Nil(t, q.Pop(ctx))
	assert.Equal(t, 0, q.Len())

	var stored ChatRequest
	require.NoError(t, db.DB().First(&stored, req.ID).Error)
	assert.Equal(t, ChatRequestStateAborted, stored.State)
}

func TestQueueDiscardReleasesUserLock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	locks := newUserLocks()
	q := NewChatRequestQueue(
		&QueueConfig{Size: 1, MaxAge: time.Minute},
		quietLogger(),
	)
	q.onDiscard = func(req *ChatRequest) {
		locks.release(req.UserID)
	}
	seedUsers(t, db, "userA", "userB", "userC")

	now := time.Now()

	// aborting the oldest request on a full queue frees its user
	require.True(t, locks.acquire("userA"))
	require.NoError(
		t, q.Push(
			ctx, &ChatRequest{
				UserID: "userA",
				Prompt: "oldest",
				ModelUnixTime: ModelUnixTime{
					CreatedAt: now.Add(-2 * time.Second).UnixMilli(),
				},
			}, db,
		),
	)
	require.True(t, locks.acquire("userB"))
	require.NoError(
		t, q.Push(
			ctx, &ChatRequest{
				UserID: "userB",
				Prompt: "newest",
				ModelUnixTime: ModelUnixTime{
					CreatedAt: now.Add(-time.Second).UnixMilli(),
				},
			}, db,
		),
	)
	assert.True(
		t, locks.acquire("userA"),
		"user should not stay locked after their request was aborted",
	)
	locks.release("userA")

	// a request expiring in the queue frees its user on Pop
	queued := q.Pop(ctx)
	require.NotNil(t, queued)
	assert.Equal(t, "userB", queued.UserID)
	locks.release("userB")

	require.True(t, locks.acquire("userC"))
	expiring := &ChatRequest{
		UserID: "userC",
		Prompt: "expiring",
		ModelUnixTime: ModelUnixTime{
			CreatedAt: now.Add(-30 * time.Second).UnixMilli(),
		},
	}
	require.NoError(t, q.Push(ctx, expiring, db))
	expiring.CreatedAt = time.Now().Add(-2 * time.Minute).UnixMilli()
	assert.Nil(t, q.Pop(ctx))
	assert.True(
		t, locks.acquire("userC"),
		"user should not stay locked after their request expired",
	)

	// same for a request from a since-ignored user
	require.True(t, locks.acquire("userD"))
	require.NoError(
		t, q.Push(
			ctx, &ChatRequest{
				UserID: "userD",
				User: &User{
					ModelStringID: ModelStringID{ID: "userD"},
					Ignored:       true,
				},
				Prompt: "blocked",
			}, db,
		),
	)
	assert.Nil(t, q.Pop(ctx))
	assert.True(
		t, locks.acquire("userD"),
		"user should not stay locked after their request was dropped",
	)
}

func TestQueueClear(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	q := NewChatRequestQueue(
		&QueueConfig{Size: 10, MaxAge: time.Minute},
		quietLogger(),
	)
	seedUsers(t, db, "user1")
	require.NoError(t, q.Push(ctx, &ChatRequest{UserID: "user1", Prompt: "a"}, db))
	require.NoError(t, q.Push(ctx, &ChatRequest{UserID: "user1", Prompt: "b"}, db))
	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestNextRequestAvailable(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 6 * time.Hour

	t.Run(
		"no prior requests", func(t *testing.T) {
			next, ok := nextRequestAvailable(nil, 3, window, now)
			assert.True(t, ok)
			assert.Equal(t, now, next)
		},
	)

	t.Run(
		"under the limit", func(t *testing.T) {
			requests := []time.Time{
				now.Add(-time.Hour),
				now.Add(-2 * time.Hour),
			}
			next, ok := nextRequestAvailable(requests, 3, window, now)
			assert.True(t, ok)
			assert.Equal(t, now, next)
		},
	)

	t.Run(
		"at the limit", func(t *testing.T) {
			oldest := now.Add(-5 * time.Hour)
			requests := []time.Time{
				now.Add(-time.Hour),
				oldest,
				now.Add(-2 * time.Hour),
			}
			next, ok := nextRequestAvailable(requests, 3, window, now)
			assert.False(t, ok)
			assert.Equal(t, oldest.Add(window), next)
		},
	)

	t.Run(
		"requests outside the window don't count", func(t *testing.T) {
			requests := []time.Time{
				now.Add(-7 * time.Hour),
				now.Add(-8 * time.Hour),
				now.Add(-time.Hour),
			}
			next, ok := nextRequestAvailable(requests, 3, window, now)
			assert.True(t, ok)
			assert.Equal(t, now, next)
		},
	)

	t.Run(
		"zero limit panics", func(t *testing.T) {
			assert.Panics(
				t, func() {
					_, _ = nextRequestAvailable(nil, 0, window, now)
				},
			)
		},
	)
}
