package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/persistence"
)

func newRoomStore(t *testing.T, roomIDs ...string) *persistence.Memory {
	t.Helper()
	db := persistence.NewMemory()
	for _, id := range roomIDs {
		require.NoError(t, db.CreateRoom(context.Background(), &models.Room{
			ID:        id,
			HostID:    "host",
			Status:    models.StatusWaiting,
			GameType:  models.GameTypeKnightTour,
			BoardSize: 5,
		}))
	}
	return db
}

// racingStore inserts a competing row just before the caller's insert, as if
// another request won the uniqueness race.
type racingStore struct {
	*persistence.Memory
	once sync.Once
}

func (r *racingStore) InsertPlayer(ctx context.Context, p *models.Player) error {
	r.once.Do(func() {
		_ = r.Memory.InsertPlayer(ctx, &models.Player{ID: "winner", RoomID: p.RoomID, UserID: p.UserID})
	})
	return r.Memory.InsertPlayer(ctx, p)
}

// failingStore returns a connection error on every roster read.
type failingStore struct {
	*persistence.Memory
}

func (f *failingStore) FindPlayer(context.Context, string, string) (*models.Player, error) {
	return nil, errors.New("connection reset")
}

func TestRosterService_JoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewRosterService(newRoomStore(t, "r1"))

	first, err := svc.Join(ctx, "r1", "u1", "u1@example.com")
	require.NoError(t, err)
	assert.False(t, first.IsPlayer)

	second, err := svc.Join(ctx, "r1", "u1", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	count, err := svc.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRosterService_JoinRaceReReads(t *testing.T) {
	store := &racingStore{Memory: newRoomStore(t, "r1")}
	svc := NewRosterService(store)

	p, err := svc.Join(context.Background(), "r1", "u1", "u1@example.com")
	require.NoError(t, err, "uniqueness violation must not reach the caller")
	assert.Equal(t, "winner", p.ID)
}

func TestRosterService_JoinDeletedRoom(t *testing.T) {
	ctx := context.Background()
	db := newRoomStore(t, "r1")
	svc := NewRosterService(db)
	require.NoError(t, db.DeleteRoom(ctx, "r1"))

	p, err := svc.Join(ctx, "r1", "u1", "")
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrRoomNotFound), "Expected ErrRoomNotFound, got %v", err)

	count, err := svc.Count(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRosterService_ConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	svc := NewRosterService(newRoomStore(t, "r1"))

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Join(ctx, "r1", "u1", "u1@example.com")
			if assert.NoError(t, err) {
				ids <- p.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "every concurrent join must see the same row")
}

func TestRosterService_FlagsAndLeave(t *testing.T) {
	ctx := context.Background()
	svc := NewRosterService(newRoomStore(t, "r1"))

	_, err := svc.Join(ctx, "r1", "u1", "")
	require.NoError(t, err)
	_, err = svc.Join(ctx, "r1", "u2", "")
	require.NoError(t, err)

	has, err := svc.HasActivePlayer(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, svc.SetPlayerFlag(ctx, "r1", "u1", true))
	has, _ = svc.HasActivePlayer(ctx, "r1")
	assert.True(t, has)

	require.NoError(t, svc.ClearFlags(ctx, "r1"))
	has, _ = svc.HasActivePlayer(ctx, "r1")
	assert.False(t, has)

	require.NoError(t, svc.Leave(ctx, "r1", "u1"))
	require.NoError(t, svc.Leave(ctx, "r1", "u1"))
	players, count, err := svc.List(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, "u2", players[0].UserID)

	err = svc.SetPlayerFlag(ctx, "r1", "u1", true)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestRosterService_StorageFailureIsTransient(t *testing.T) {
	svc := NewRosterService(&failingStore{Memory: newRoomStore(t, "r1")})

	_, err := svc.Join(context.Background(), "r1", "u1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, KindTransient, Classify(err))
}
