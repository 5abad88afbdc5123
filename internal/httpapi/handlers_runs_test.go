package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/student/negotiatord/internal/agents/promptkit"
	"github.com/student/negotiatord/internal/metrics"
	"github.com/student/negotiatord/internal/runs"
	"github.com/student/negotiatord/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDeps(t *testing.T) Dependencies {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	rm := runs.NewRunManager(db, metrics.New(), promptkit.New(), discardLogger())
	return Dependencies{
		Runs:                        rm,
		Store:                       db,
		Metrics:                     metrics.New(),
		DefaultMaxRounds:            10,
		DefaultMinNegotiationRounds: 2,
		DefaultConcurrencyLimit:     1,
	}
}

func validCreateRunBody() createRunBody {
	return createRunBody{
		BuyerName: "acme-procurement",
		Buyer: buyerConstraintsBody{
			ItemID:          "widget-9000",
			ItemName:        "Widget 9000",
			QuantityNeeded:  100,
			MinPricePerUnit: 1,
			MaxPricePerUnit: 10,
		},
		Sellers: []sellerSpecBody{
			{
				Seller: sellerProfileBody{SellerID: "seller-a"},
				Inventory: []inventoryItemBody{
					{ItemID: "widget-9000", ItemName: "Widget 9000", CostPrice: 3, SellingPrice: 5, LeastPrice: 3.5, QuantityAvailable: 200},
				},
			},
		},
	}
}

// A durable run with no Temporal client configured must fail fast with a
// clear status, not silently fall back to a non-durable run: the caller
// asked for crash-survival semantics it would otherwise not be getting.
func TestCreateRunHandler_DurableWithoutTemporalClientRejected(t *testing.T) {
	d := newTestDeps(t)
	body, err := json.Marshal(validCreateRunBody())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs?durable=true", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	CreateRunHandler(d)(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateRunHandler_NonDurableWithoutProviderIsConfigError(t *testing.T) {
	d := newTestDeps(t)
	body, err := json.Marshal(validCreateRunBody())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	CreateRunHandler(d)(rec, req)

	// No provider is registered in this test's RunManager, so the provider
	// lookup fails with a 400 config error before seller admission runs,
	// rather than a 503 — distinguishing this from the durable-rejection path.
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunHandler_NotFound(t *testing.T) {
	d := newTestDeps(t)

	r := chi.NewRouter()
	r.Get("/v1/runs/{id}", GetRunHandler(d))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
