// Package sales cliente del servicio de ventas (POS) del que se obtiene la venta a facturar.
package sales

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
)

const maxBodySize = 1 << 20

// HTTPClient implementa el gateway de ventas sobre GET {base}/api/v1/sales/{id}.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validate   *validator.Validate
}

// NewHTTPClient construye el cliente. token vacío = sin cabecera Authorization.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		validate:   validator.New(),
	}
}

// GetSale obtiene la venta. 404 → SaleNotFoundError; red o 5xx → SaleServiceUnavailableError.
func (c *HTTPClient) GetSale(ctx context.Context, saleRef string) (*entity.Sale, error) {
	endpoint := c.baseURL + "/api/v1/sales/" + url.PathEscape(saleRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sales: construir request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.SaleServiceUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &domain.SaleServiceUnavailableError{Err: fmt.Errorf("leer respuesta: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &domain.SaleNotFoundError{SaleReference: saleRef}
	case resp.StatusCode >= 500:
		return nil, &domain.SaleServiceUnavailableError{Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("sales: HTTP %d inesperado para %s", resp.StatusCode, saleRef)
	}

	var sale entity.Sale
	if err := json.Unmarshal(body, &sale); err != nil {
		return nil, &domain.ValidationError{Field: "sale", Reason: "JSON inválido: " + err.Error()}
	}
	if err := c.validate.Struct(&sale); err != nil {
		return nil, &domain.ValidationError{Field: "sale", Reason: err.Error()}
	}
	return &sale, nil
}
