// Package sri: clave de acceso de 49 dígitos de los comprobantes electrónicos del SRI (Ecuador).
// Estructura: fecha(8) + tipo comprobante(2) + RUC(13) + ambiente(1) + serie(6) + secuencial(9) +
// código numérico(8) + tipo emisión(1) + dígito verificador módulo 11.
package sri

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jhoicas/facturacion-sri/internal/domain"
)

// Longitudes y formatos fijos de la clave de acceso.
const (
	AccessKeyLength = 49
	accessKeyDate   = "20060102" // YYYYMMDD

	DocTypeFactura     = "01"
	EmissionTypeNormal = "1"
)

// AccessKeyParams datos de entrada de la clave de acceso.
type AccessKeyParams struct {
	IssueDate       time.Time
	DocumentType    string // 2 dígitos
	TaxpayerID      string // RUC, 13 dígitos
	EnvironmentCode string // 1 dígito
	Establishment   string // 6 dígitos: estab(3) + ptoEmi(3)
	Sequential      string // 9 dígitos
	NumericCode     string // 8 dígitos
	EmissionType    string // 1 dígito
}

// AccessKeyGenerator genera claves de acceso. No guarda estado.
type AccessKeyGenerator struct{}

// NewAccessKeyGenerator crea el generador.
func NewAccessKeyGenerator() *AccessKeyGenerator {
	return &AccessKeyGenerator{}
}

// Generate concatena los 48 dígitos base y agrega el dígito verificador.
func (g *AccessKeyGenerator) Generate(p AccessKeyParams) (string, error) {
	if p.IssueDate.IsZero() {
		return "", &domain.InvalidInputError{Field: "issue_date", Reason: "obligatoria"}
	}
	fields := []struct {
		name  string
		value string
		width int
	}{
		{"document_type", p.DocumentType, 2},
		{"taxpayer_id", p.TaxpayerID, 13},
		{"environment_code", p.EnvironmentCode, 1},
		{"establishment", p.Establishment, 6},
		{"sequential", p.Sequential, 9},
		{"numeric_code", p.NumericCode, 8},
		{"emission_type", p.EmissionType, 1},
	}
	for _, f := range fields {
		if err := checkDigits(f.name, f.value, f.width); err != nil {
			return "", err
		}
	}

	base := p.IssueDate.Format(accessKeyDate) +
		p.DocumentType +
		p.TaxpayerID +
		p.EnvironmentCode +
		p.Establishment +
		p.Sequential +
		p.NumericCode +
		p.EmissionType

	return base + string(CheckDigit(base)), nil
}

// CheckDigit calcula el dígito verificador módulo 11 (pesos 2..7 desde la derecha).
// 11 → 0, 10 → 1. base debe contener solo dígitos.
func CheckDigit(base string) byte {
	sum := 0
	weight := 2
	for i := len(base) - 1; i >= 0; i-- {
		sum += int(base[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	d := 11 - sum%11
	switch d {
	case 11:
		return '0'
	case 10:
		return '1'
	default:
		return byte('0' + d)
	}
}

// ValidateAccessKey verifica longitud, contenido numérico y dígito verificador.
func ValidateAccessKey(key string) error {
	if err := checkDigits("access_key", key, AccessKeyLength); err != nil {
		return err
	}
	if CheckDigit(key[:AccessKeyLength-1]) != key[AccessKeyLength-1] {
		return &domain.InvalidInputError{Field: "access_key", Reason: "dígito verificador inválido"}
	}
	return nil
}

// NumericCodeFor deriva un código numérico de 8 dígitos estable para el identificador dado,
// de modo que un reintento regenere la misma clave.
func NumericCodeFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%08d", h.Sum32()%100_000_000)
}

// FormatSequential rellena el secuencial a 9 dígitos.
func FormatSequential(n int64) (string, error) {
	if n <= 0 || n > 999_999_999 {
		return "", &domain.InvalidInputError{Field: "sequential", Reason: fmt.Sprintf("fuera de rango: %d", n)}
	}
	return fmt.Sprintf("%09d", n), nil
}

func checkDigits(field, value string, width int) error {
	if len(value) != width {
		return &domain.InvalidInputError{Field: field, Reason: fmt.Sprintf("se esperaban %d dígitos, se recibieron %d", width, len(value))}
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return &domain.InvalidInputError{Field: field, Reason: "solo se admiten dígitos"}
		}
	}
	return nil
}
