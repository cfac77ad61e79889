package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleItem línea de una venta tal como la entrega el servicio de ventas (POS).
type SaleItem struct {
	ProductID   string          `json:"product_id" validate:"required"`
	ProductName string          `json:"product_name" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Sale venta completada que se factura.
type Sale struct {
	ID                   string          `json:"id" validate:"required"`
	Items                []SaleItem      `json:"items" validate:"required,min=1,dive"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	CustomerName         string          `json:"customer_name"`
	CustomerID           string          `json:"customer_id"`
	CustomerEmail        string          `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone        string          `json:"customer_phone"`
	CustomerAddress      string          `json:"customer_address"`
	PaymentMethod        string          `json:"payment_method"`
	EstablishmentAddress string          `json:"establishment_address"`
	CreatedAt            time.Time       `json:"created_at"`
}

// HasBuyer indica si la venta trae identificación de comprador.
func (s *Sale) HasBuyer() bool {
	return s.CustomerID != "" && s.CustomerName != ""
}
