package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"commerce-service/internal/lock"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InternalTokenHeader carries the shared secret of the internal stock API.
const InternalTokenHeader = "X-Internal-Service-Token"

// InventoryClient calls the internal stock endpoints of a remote inventory
// deployment. Event ids travel in the command, so deduplication happens on
// the inventory side and a duplicate comes back as ErrAlreadyProcessed.
type InventoryClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(baseURL, token string, timeout time.Duration) *InventoryClient {
	return &InventoryClient{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.Named("inventory-client"),
	}
}

var _ StockLedger = (*InventoryClient)(nil)

// Reserve reserves stock for an order line.
func (ic *InventoryClient) Reserve(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	return ic.call(ctx, "reserve", cmd)
}

// Release releases reserved stock (compensation)
func (ic *InventoryClient) Release(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	return ic.call(ctx, "release", cmd)
}

// Decrease commits reserved stock (final deduction)
func (ic *InventoryClient) Decrease(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	return ic.call(ctx, "decrease", cmd)
}

func (ic *InventoryClient) call(ctx context.Context, op string, cmd StockCommand) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient."+op,
		attribute.String("product_id", cmd.ProductID),
		attribute.String("order_id", cmd.OrderID))
	defer span.End()

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ic.baseURL+"/internal/inventory/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InternalTokenHeader, ic.token)

	resp, err := ic.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var inv models.Inventory
		if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
			return nil, fmt.Errorf("failed to decode inventory: %w", err)
		}
		return &inv, nil
	}

	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	err = statusError(resp, apiErr.Code, apiErr.Error)
	if !errors.Is(err, models.ErrAlreadyProcessed) {
		util.RecordError(span, err)
	}

	ic.logger.Warn("Inventory call rejected",
		zap.String("op", op),
		zap.String("product_id", cmd.ProductID),
		zap.Int("status", resp.StatusCode),
		zap.Error(err))
	return nil, err
}

// statusError maps an API error back onto the error taxonomy, by its code
// when the server sent one and by status otherwise.
func statusError(resp *http.Response, code, msg string) error {
	if err := models.FromErrorCode(code, msg); err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return models.Validationf("%s", msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", models.ErrInsufficientStock, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", models.ErrBusinessRule, msg)
	case http.StatusServiceUnavailable:
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return fmt.Errorf("%w: %s (retry after %ds)", lock.ErrResourceBusy, msg, retry)
	default:
		return fmt.Errorf("inventory api returned %d: %s", resp.StatusCode, msg)
	}
}
