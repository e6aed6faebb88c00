package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wfunc/knighttour/persistence"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrAuthRequired, KindAuthRequired},
		{ErrSeatTaken, KindConflict},
		{ErrAlreadyStarted, KindConflict},
		{ErrVersionConflict, KindConflict},
		{ErrIllegalMove, KindInvalidMove},
		{ErrGameFinished, KindInvalidMove},
		{ErrNoActiveGame, KindInvalidMove},
		{ErrNotHost, KindNotHost},
		{ErrNotActivePlayer, KindNotHost},
		{ErrRoomNotFound, KindNotFound},
		{ErrInvalidBoardSize, KindInvalidInput},
		{ErrUnsupportedGame, KindInvalidInput},
		{fmt.Errorf("claim: %w", ErrSeatTaken), KindConflict},
		{errors.New("dial tcp: connection refused"), KindTransient},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "Classify(%v)", c.err)
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, KindAuthRequired.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindConflict.HTTPStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, KindInvalidMove.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindNotHost.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindInvalidInput.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindTransient.HTTPStatus())
}

func TestStorageError(t *testing.T) {
	assert.NoError(t, StorageError("op", nil))

	cause := errors.New("connection reset")
	err := StorageError("update room", cause)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, cause))

	err = StorageError("update room", persistence.ErrConditionFailed)
	assert.True(t, errors.Is(err, persistence.ErrConditionFailed))

	assert.Equal(t, ErrSeatTaken, StorageError("claim", ErrSeatTaken), "classified errors pass through")
	assert.Equal(t, err, StorageError("again", err), "already transient errors are not re-wrapped")
}
