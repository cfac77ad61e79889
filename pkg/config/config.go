package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config agrupa la configuración de la aplicación (lectura vía Viper desde env y opcionalmente archivo).
type Config struct {
	App    AppConfig
	DB     DBConfig
	JWT    JWTConfig
	HTTP   HTTPConfig
	Redis  RedisConfig
	SRI    SRIConfig
	Issuer IssuerConfig
	Sales  SalesConfig
}

// AppConfig configuración general de la aplicación.
type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

// DBConfig configuración de PostgreSQL.
// Si DatabaseURL no está vacío, se usa como connection string completo.
type DBConfig struct {
	DatabaseURL string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	MaxConns    int
}

// ConnectionString devuelve el DSN a usar: DATABASE_URL si está definido, si no el construido con DSN().
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DSN()
}

// DSN devuelve el connection string para PostgreSQL con URL encoding para caracteres especiales.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	return u.String()
}

// JWTConfig configuración de JWT.
type JWTConfig struct {
	Secret     string
	Expiration int // minutos
	Issuer     string
}

// HTTPConfig configuración del servidor HTTP.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr devuelve la dirección de escucha (host:port).
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig conexión para los bloqueos por factura. Addr vacío = bloqueo en proceso.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// SRIConfig parámetros del servicio de rentas (Ecuador).
type SRIConfig struct {
	Environment string // "test" (celcer) o "production" (cel)

	ReceptionURLTest     string
	AuthorizationURLTest string
	ReceptionURLProd     string
	AuthorizationURLProd string
	Timeout              time.Duration

	CertP12Path  string // .p12 emitido por la entidad certificadora
	CertPassword string
	CertPath     string // alternativa PEM
	CertKeyPath  string

	TaxRate     decimal.Decimal // tarifa IVA vigente como fracción, ej. 0.15
	BuyerPolicy string          // final_consumer | require_buyer

	PollInterval time.Duration
	PollRate     float64 // consultas por segundo hacia el SRI
	PollBatch    int

	Workers   int
	QueueSize int
}

// IssuerConfig datos del emisor (RUC y serie de emisión).
type IssuerConfig struct {
	RUC                   string
	LegalName             string
	TradeName             string
	HeadOfficeAddress     string
	BranchAddress         string
	Establishment         string // 3 dígitos
	EmissionPoint         string // 3 dígitos
	KeepsAccounting       bool
	SpecialTaxpayerNumber string
}

// SalesConfig servicio de ventas del que se obtiene la venta a facturar.
type SalesConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Load lee la configuración desde variables de entorno (y opcionalmente desde archivo).
// Las env vars tienen prioridad. Nombres esperados: APP_ENV, DB_HOST, SRI_ENVIRONMENT, ISSUER_RUC, etc.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	taxRate, err := decimal.NewFromString(getString(v, "SRI_TAX_RATE", "0.15"))
	if err != nil {
		return nil, fmt.Errorf("config: SRI_TAX_RATE: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			Name:     getString(v, "APP_NAME", "facturacion-sri"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		DB: DBConfig{
			DatabaseURL: getString(v, "DATABASE_URL", ""),
			Host:        getString(v, "DB_HOST", "localhost"),
			Port:        getInt(v, "DB_PORT", 5432),
			User:        getString(v, "DB_USER", "postgres"),
			Password:    getString(v, "DB_PASSWORD", ""),
			DBName:      getString(v, "DB_NAME", "facturacion_sri"),
			SSLMode:     getString(v, "DB_SSLMODE", "disable"),
			MaxConns:    getInt(v, "DB_MAX_CONNS", 10),
		},
		JWT: JWTConfig{
			Secret:     getString(v, "JWT_SECRET", ""),
			Expiration: getInt(v, "JWT_EXPIRATION_MINUTES", 60),
			Issuer:     getString(v, "JWT_ISSUER", "facturacion-sri"),
		},
		HTTP: HTTPConfig{
			Host: getString(v, "HTTP_HOST", "0.0.0.0"),
			Port: getInt(v, "HTTP_PORT", 8080),
		},
		Redis: RedisConfig{
			Addr:     getString(v, "REDIS_ADDR", ""),
			Password: getString(v, "REDIS_PASSWORD", ""),
			DB:       getInt(v, "REDIS_DB", 0),
			LockTTL:  getDuration(v, "REDIS_LOCK_TTL", 2*time.Minute),
		},
		SRI: SRIConfig{
			Environment:          getString(v, "SRI_ENVIRONMENT", "test"),
			ReceptionURLTest:     getString(v, "SRI_RECEPTION_URL_TEST", ""),
			AuthorizationURLTest: getString(v, "SRI_AUTHORIZATION_URL_TEST", ""),
			ReceptionURLProd:     getString(v, "SRI_RECEPTION_URL_PROD", ""),
			AuthorizationURLProd: getString(v, "SRI_AUTHORIZATION_URL_PROD", ""),
			Timeout:              getDuration(v, "SRI_TIMEOUT", 30*time.Second),
			CertP12Path:          getString(v, "SRI_CERT_P12_PATH", ""),
			CertPassword:         getString(v, "SRI_CERT_PASSWORD", ""),
			CertPath:             getString(v, "SRI_CERT_PATH", ""),
			CertKeyPath:          getString(v, "SRI_CERT_KEY_PATH", ""),
			TaxRate:              taxRate,
			BuyerPolicy:          getString(v, "SRI_BUYER_POLICY", "final_consumer"),
			PollInterval:         getDuration(v, "SRI_POLL_INTERVAL", time.Minute),
			PollRate:             getFloat(v, "SRI_POLL_RATE", 2),
			PollBatch:            getInt(v, "SRI_POLL_BATCH", 50),
			Workers:              getInt(v, "SRI_WORKERS", 4),
			QueueSize:            getInt(v, "SRI_QUEUE_SIZE", 256),
		},
		Issuer: IssuerConfig{
			RUC:                   getString(v, "ISSUER_RUC", ""),
			LegalName:             getString(v, "ISSUER_LEGAL_NAME", ""),
			TradeName:             getString(v, "ISSUER_TRADE_NAME", ""),
			HeadOfficeAddress:     getString(v, "ISSUER_HEAD_OFFICE_ADDRESS", ""),
			BranchAddress:         getString(v, "ISSUER_BRANCH_ADDRESS", ""),
			Establishment:         getString(v, "ISSUER_ESTABLISHMENT", "001"),
			EmissionPoint:         getString(v, "ISSUER_EMISSION_POINT", "001"),
			KeepsAccounting:       getBool(v, "ISSUER_KEEPS_ACCOUNTING", false),
			SpecialTaxpayerNumber: getString(v, "ISSUER_SPECIAL_TAXPAYER", ""),
		},
		Sales: SalesConfig{
			BaseURL: getString(v, "SALES_BASE_URL", "http://localhost:8081"),
			Token:   getString(v, "SALES_TOKEN", ""),
			Timeout: getDuration(v, "SALES_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case int:
			return v.GetInt(key)
		case string:
			n, err := strconv.Atoi(v.GetString(key))
			if err != nil {
				return def
			}
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}

func getFloat(v *viper.Viper, key string, def float64) float64 {
	if v.IsSet(key) {
		f, err := strconv.ParseFloat(v.GetString(key), 64)
		if err != nil {
			return def
		}
		return f
	}
	return def
}

func getBool(v *viper.Viper, key string, def bool) bool {
	if v.IsSet(key) {
		b, err := strconv.ParseBool(v.GetString(key))
		if err != nil {
			return def
		}
		return b
	}
	return def
}

// getDuration acepta "30s", "2m" o un entero en segundos.
func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	raw := v.GetString(key)
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
