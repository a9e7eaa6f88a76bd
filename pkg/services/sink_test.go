package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

func backtickedResponse(table models.TableRef) *models.ProfilingResponse {
	ms := models.NewMetricResultSet()
	ms.SetTable("rowCount", models.Computed(5))
	ms.SetColumn("`amount`", "sum", models.Computed(110))
	return &models.ProfilingResponse{
		RunID:   uuid.New(),
		Table:   table,
		Columns: []models.Column{models.NewColumn("`amount`", "NUMERIC", true, 1)},
		Metrics: ms,
		Sample: &models.ResultSet{
			Columns: []string{"`amount`"},
			Rows:    [][]any{{int64(10)}},
		},
		Verdicts: []models.Verdict{{TestCase: "t", Target: "sales.orders.`amount`", Status: models.VerdictPass}},
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	assert.Equal(t, "orders", SanitizeIdentifier("`orders`"))
	assert.Equal(t, "my col", SanitizeIdentifier("`my col`"))
	assert.Equal(t, "plain", SanitizeIdentifier("plain"))
}

func TestResultSink_PersistSanitizes(t *testing.T) {
	cat := newFakeCatalog()
	rec := newCountingRecorder()
	sink := NewResultSink(cat, rec, zaptest.NewLogger(t))

	table := models.TableRef{Schema: "sales", Name: "orders"}
	resp := backtickedResponse(table)
	require.NoError(t, sink.Persist(context.Background(), resp))

	got := cat.profile("sales.orders")
	require.NotNil(t, got)
	assert.Equal(t, "amount", got.Columns[0].Name)
	_, ok := got.Metrics.Get("amount", "sum")
	assert.True(t, ok)
	assert.Equal(t, "sales.orders.amount", got.Verdicts[0].Target)
	assert.Equal(t, []string{"amount"}, cat.samples["sales.orders"].Columns)

	// the caller's response is left alone
	assert.Equal(t, "`amount`", resp.Columns[0].Name)
	assert.Equal(t, 2, rec.sinkWrites["ok"])
}

func TestResultSink_FailureIsPerTable(t *testing.T) {
	cat := newFakeCatalog()
	cat.failTables["sales.orders"] = &apperrors.CatalogError{
		Kind: apperrors.CatalogTransport, Op: "persist_profile", StatusCode: 502, Err: errors.New("bad gateway"),
	}
	rec := newCountingRecorder()
	sink := NewResultSink(cat, rec, zaptest.NewLogger(t))
	ctx := context.Background()

	err := sink.Persist(ctx, backtickedResponse(models.TableRef{Schema: "sales", Name: "orders"}))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransportFailure, apperrors.Classify(err))
	assert.Equal(t, apperrors.CatalogTransport, apperrors.CatalogKind(err))

	require.NoError(t, sink.Persist(ctx, backtickedResponse(models.TableRef{Schema: "sales", Name: "customers"})))
	assert.Nil(t, cat.profile("sales.orders"))
	assert.NotNil(t, cat.profile("sales.customers"))
	assert.Equal(t, 1, rec.sinkWrites["failed"])
}

func TestResultSink_SkipsEmptySample(t *testing.T) {
	cat := newFakeCatalog()
	sink := NewResultSink(cat, nil, zaptest.NewLogger(t))

	resp := backtickedResponse(models.TableRef{Name: "orders"})
	resp.Sample = nil
	require.NoError(t, sink.Persist(context.Background(), resp))
	assert.Empty(t, cat.samples)
}

func TestResultSink_CloseOnce(t *testing.T) {
	cat := newFakeCatalog()
	sink := NewResultSink(cat, nil, zaptest.NewLogger(t))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, cat.closed)
}
