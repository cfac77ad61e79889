package sri

import "fmt"

// coeficientes módulo 10 de la cédula ecuatoriana (9 primeros dígitos).
var cedulaWeights = [9]int{2, 1, 2, 1, 2, 1, 2, 1, 2}

// ValidateCedula valida una cédula de 10 dígitos: provincia, tercer dígito y verificador módulo 10.
func ValidateCedula(id string) error {
	if len(id) != 10 || !onlyDigits(id) {
		return fmt.Errorf("sri: cédula debe tener 10 dígitos")
	}
	province := int(id[0]-'0')*10 + int(id[1]-'0')
	if (province < 1 || province > 24) && province != 30 {
		return fmt.Errorf("sri: código de provincia inválido: %02d", province)
	}
	if id[2] >= '6' {
		return fmt.Errorf("sri: tercer dígito inválido para persona natural: %c", id[2])
	}
	var sum int
	for i, w := range cedulaWeights {
		p := int(id[i]-'0') * w
		if p > 9 {
			p -= 9
		}
		sum += p
	}
	expected := (10 - sum%10) % 10
	if int(id[9]-'0') != expected {
		return fmt.Errorf("sri: dígito verificador de la cédula inválido: esperado %d, recibido %c", expected, id[9])
	}
	return nil
}

// IsRUC indica si el identificador tiene forma de RUC (13 dígitos terminados en 001).
func IsRUC(id string) bool {
	return len(id) == 13 && onlyDigits(id) && id[10:] == "001"
}

// IdentificationType deduce el tipo de identificación del comprador (Tabla 2).
func IdentificationType(id string) string {
	switch {
	case id == FinalConsumerID:
		return IdentificationConsumidorFin
	case IsRUC(id):
		return IdentificationRUC
	case ValidateCedula(id) == nil:
		return IdentificationCedula
	default:
		return IdentificationPasaporte
	}
}

func onlyDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
