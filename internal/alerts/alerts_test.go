package alerts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/errs"
)

func TestRecordNilErrorIsANoOp(t *testing.T) {
	r := New()
	r.Record(context.Background(), 1, nil)
	require.Empty(t, r.List())
}

func TestRecordClassifiesEscrowdErrorsByKind(t *testing.T) {
	r := New()
	r.Record(context.Background(), 42, errs.New(errs.KindBroadcastFailed, "broadcast failed", errors.New("rpc timeout")))

	alerts := r.List()
	require.Len(t, alerts, 1)
	require.Equal(t, errs.KindBroadcastFailed, alerts[0].Kind)
	require.Equal(t, int64(42), alerts[0].DealID)
	require.NotEmpty(t, alerts[0].IncidentID)
}

func TestRecordKeepsUnclassifiedErrorsRatherThanDropping(t *testing.T) {
	r := New()
	r.Record(context.Background(), 7, errors.New("some ordinary error"))

	alerts := r.List()
	require.Len(t, alerts, 1)
	require.Empty(t, alerts[0].Kind)
}

func TestListReturnsMostRecentFirst(t *testing.T) {
	r := New()
	r.Record(context.Background(), 1, errors.New("first"))
	r.Record(context.Background(), 2, errors.New("second"))
	r.Record(context.Background(), 3, errors.New("third"))

	alerts := r.List()
	require.Len(t, alerts, 3)
	require.Equal(t, "third", alerts[0].Message)
	require.Equal(t, "second", alerts[1].Message)
	require.Equal(t, "first", alerts[2].Message)
}

func TestListEvictsOldestPastCapacity(t *testing.T) {
	r := New()
	for i := 0; i < maxAlerts+10; i++ {
		r.Record(context.Background(), int64(i), errors.New("incident"))
	}

	alerts := r.List()
	require.Len(t, alerts, maxAlerts)
	require.Equal(t, int64(maxAlerts+9), alerts[0].DealID, "most recent incident must survive eviction")
}
