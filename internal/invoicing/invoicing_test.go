package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice() Invoice {
	return Invoice{
		CustomerID: "C-42",
		VehicleID:  "MH12-3456",
		Lines: []Line{
			{ProductID: "onion", Quantity: decimal.NewFromInt(12), UnitPrice: decimal.NewFromInt(18)},
		},
		Date: time.Now(),
	}
}

func TestClientCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/invoices", r.URL.Path)

		var inv Invoice
		require.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
		assert.Equal(t, "C-42", inv.CustomerID)
		require.Len(t, inv.Lines, 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "INV-77"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.Create(context.Background(), sampleInvoice())
	require.NoError(t, err)
	assert.Equal(t, "INV-77", id)
}

func TestClientCreateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "customer blocked"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Create(context.Background(), sampleInvoice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customer blocked")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	id, err := r.Create(context.Background(), sampleInvoice())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, r.Invoices(), 1)

	boom := errors.New("backend down")
	r.FailWith(boom)
	_, err = r.Create(context.Background(), sampleInvoice())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, r.Invoices(), 1)

	r.FailWith(nil)
	_, err = r.Create(context.Background(), sampleInvoice())
	assert.NoError(t, err)
}
