package invoicing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Line is one invoice line as handed to the collaborator.
type Line struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Invoice is the committed sale the collaborator persists.
type Invoice struct {
	CustomerID string    `json:"customerId"`
	VehicleID  string    `json:"vehicleId"`
	Lines      []Line    `json:"lines"`
	Date       time.Time `json:"date"`
}

// Creator is the invoice-creation collaborator. The ledger core never
// persists invoices itself; it only needs the confirmed invoice id to
// reference from sale movements.
type Creator interface {
	Create(ctx context.Context, inv Invoice) (string, error)
}

// Client posts invoices to the business backend over HTTP.
type Client struct {
	httpClient *resty.Client
}

// NewClient builds an invoice client for the given base URL.
func NewClient(baseURL string) *Client {
	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{httpClient: restyClient}
}

type createResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Message string `json:"message"`
}

// Create persists one invoice and returns its id.
func (c *Client) Create(ctx context.Context, inv Invoice) (string, error) {
	result := new(createResponse)
	apiErr := new(apiError)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(inv).
		SetResult(result).
		SetError(apiErr).
		Post("/invoices")
	if err != nil {
		return "", fmt.Errorf("create invoice: %w", err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return "", fmt.Errorf("create invoice: %s (status %d)", apiErr.Message, resp.StatusCode())
		}
		return "", fmt.Errorf("create invoice: status %d", resp.StatusCode())
	}
	if result.ID == "" {
		return "", fmt.Errorf("create invoice: backend returned no id")
	}
	return result.ID, nil
}

// Recorder is an in-process Creator for standalone runs and tests. It can be
// scripted to fail so commit compensation paths are exercisable.
type Recorder struct {
	mu       sync.Mutex
	invoices []Invoice
	ids      []string
	failWith error
}

func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes every subsequent Create return err (nil restores success).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

func (r *Recorder) Create(_ context.Context, inv Invoice) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return "", r.failWith
	}
	id := uuid.NewString()
	r.invoices = append(r.invoices, inv)
	r.ids = append(r.ids, id)
	return id, nil
}

// Invoices returns a copy of everything recorded.
func (r *Recorder) Invoices() []Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invoice(nil), r.invoices...)
}
