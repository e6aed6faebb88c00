package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/knighttour/engine"
)

var tour5 = []engine.Coord{
	{X: 0, Y: 0}, {X: 2, Y: 1}, {X: 4, Y: 0}, {X: 3, Y: 2}, {X: 4, Y: 4},
	{X: 2, Y: 3}, {X: 0, Y: 4}, {X: 1, Y: 2}, {X: 2, Y: 0}, {X: 4, Y: 1},
	{X: 3, Y: 3}, {X: 1, Y: 4}, {X: 0, Y: 2}, {X: 1, Y: 0}, {X: 3, Y: 1},
	{X: 4, Y: 3}, {X: 2, Y: 4}, {X: 0, Y: 3}, {X: 1, Y: 1}, {X: 3, Y: 0},
	{X: 4, Y: 2}, {X: 3, Y: 4}, {X: 1, Y: 3}, {X: 0, Y: 1}, {X: 2, Y: 2},
}

func TestGameService_StartAndMove(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))

	gs, err := svc.Start(ctx, "r1", 5, engine.Coord{X: 2, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []engine.Coord{{X: 2, Y: 2}}, gs.MoveHistory)
	assert.Equal(t, 1, gs.Turn)
	assert.False(t, gs.Finished)

	gs, err = svc.Move(ctx, "r1", engine.Coord{X: 0, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, gs.Turn)
	assert.True(t, gs.Board[1][0])

	_, err = svc.Move(ctx, "r1", engine.Coord{X: 2, Y: 2})
	assert.True(t, errors.Is(err, ErrIllegalMove), "Expected ErrIllegalMove, got %v", err)

	stored, err := svc.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Turn, "rejected move must not change state")
	assert.Equal(t, gs.Version, stored.Version)
}

func TestGameService_StartRejections(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))

	_, err := svc.Start(ctx, "r1", 7, engine.Coord{})
	assert.True(t, errors.Is(err, ErrInvalidBoardSize))

	_, err = svc.Start(ctx, "r1", 5, engine.Coord{X: 5, Y: 0})
	assert.True(t, errors.Is(err, ErrIllegalMove))

	_, err = svc.Start(ctx, "r1", 5, engine.Coord{})
	require.NoError(t, err)
	_, err = svc.Start(ctx, "r1", 5, engine.Coord{X: 1, Y: 1})
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
}

func TestGameService_ConcurrentStart(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(x int) {
			defer wg.Done()
			_, err := svc.Start(ctx, "r1", 5, engine.Coord{X: x % 5, Y: 0})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	started, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyStarted):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 9, conflicts)
}

func TestGameService_StartInDeletedRoom(t *testing.T) {
	ctx := context.Background()
	db := newRoomStore(t, "r1")
	svc := NewGameService(db)
	require.NoError(t, db.DeleteRoom(ctx, "r1"))

	_, err := svc.Start(ctx, "r1", 5, engine.Coord{X: 2, Y: 2})
	assert.True(t, errors.Is(err, ErrRoomNotFound), "Expected ErrRoomNotFound, got %v", err)
	assert.Equal(t, KindNotFound, Classify(err))

	gs, err := svc.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, gs, "no game state may outlive its room")
}

func TestGameService_NoActiveGame(t *testing.T) {
	svc := NewGameService(newRoomStore(t, "r1"))
	_, err := svc.Move(context.Background(), "r1", engine.Coord{X: 1, Y: 2})
	assert.True(t, errors.Is(err, ErrNoActiveGame))

	gs, err := svc.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, gs)
}

func TestGameService_FullTourFinishes(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))

	gs, err := svc.Start(ctx, "r1", 5, tour5[0])
	require.NoError(t, err)
	for i, step := range tour5[1:] {
		gs, err = svc.Move(ctx, "r1", step)
		require.NoError(t, err, "step %d", i+1)
		if i+2 < len(tour5) {
			require.False(t, gs.Finished, "finished early at step %d", i+1)
		}
	}
	assert.True(t, gs.Finished)
	assert.Equal(t, 25, gs.Turn)

	// replaying the stored history reproduces the stored board
	board, err := engine.Replay(5, gs.MoveHistory)
	require.NoError(t, err)
	assert.Equal(t, gs.Board, board)

	_, err = svc.Move(ctx, "r1", engine.Coord{X: 0, Y: 1})
	assert.True(t, errors.Is(err, ErrGameFinished))
}

func TestGameService_StuckThenReset(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))

	stuck := []engine.Coord{{X: 2, Y: 2}, {X: 4, Y: 3}, {X: 2, Y: 4}, {X: 3, Y: 2}, {X: 1, Y: 1}, {X: 0, Y: 3}}
	gs, err := svc.Start(ctx, "r1", 5, stuck[0])
	require.NoError(t, err)
	for _, step := range stuck[1:] {
		gs, err = svc.Move(ctx, "r1", step)
		require.NoError(t, err)
	}
	assert.False(t, gs.Finished, "stuck is not administratively finished")
	assert.Equal(t, engine.Stuck, gs.Outcome())

	_, err = svc.Move(ctx, "r1", engine.Coord{X: 1, Y: 1})
	assert.True(t, errors.Is(err, ErrIllegalMove))

	require.NoError(t, svc.Reset(ctx, "r1"))
	require.NoError(t, svc.Reset(ctx, "r1"), "reset is idempotent")

	_, err = svc.Move(ctx, "r1", engine.Coord{X: 1, Y: 2})
	assert.True(t, errors.Is(err, ErrNoActiveGame))
	_, err = svc.Start(ctx, "r1", 5, engine.Coord{X: 0, Y: 0})
	assert.NoError(t, err)
}

func TestGameService_ConcurrentMovesAcceptOne(t *testing.T) {
	ctx := context.Background()
	svc := NewGameService(newRoomStore(t, "r1"))
	_, err := svc.Start(ctx, "r1", 5, engine.Coord{X: 2, Y: 2})
	require.NoError(t, err)

	// every target is legal from (2,2), but only one move may win
	targets := engine.LegalMoves(engine.Coord{X: 2, Y: 2}, engine.Apply(engine.NewBoard(5), engine.Coord{X: 2, Y: 2}))
	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for _, target := range targets {
		wg.Add(1)
		go func(c engine.Coord) {
			defer wg.Done()
			_, err := svc.Move(ctx, "r1", c)
			errs <- err
		}(target)
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, errors.Is(err, ErrIllegalMove) || errors.Is(err, ErrVersionConflict),
			"losers must be rejected as illegal or stale, got %v", err)
	}

	gs, err := svc.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1+accepted, gs.Turn)
	board, err := engine.Replay(5, gs.MoveHistory)
	require.NoError(t, err, "accepted moves must form a legal history")
	assert.Equal(t, gs.Board, board)
}
