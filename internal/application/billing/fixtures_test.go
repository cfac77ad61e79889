package billing_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/facturacion-sri/internal/application/billing"
	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/domain/repository"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/memory"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri/signer"
)

var fixedNow = time.Date(2025, 1, 15, 15, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testIssuer() infrasri.Issuer {
	return infrasri.Issuer{
		RUC:               "1792163400001",
		LegalName:         "COMERCIAL ANDINA S.A.",
		TradeName:         "Andina",
		HeadOfficeAddress: "Av. Amazonas N24-03, Quito",
		Establishment:     "001",
		EmissionPoint:     "001",
		KeepsAccounting:   true,
	}
}

// testSale 2 × 10.00 + 1 × 5.00 al 12 % → 25.00 / 3.00 / 28.00.
func testSale(id string) *entity.Sale {
	return &entity.Sale{
		ID: id,
		Items: []entity.SaleItem{
			{ProductID: "P-001", ProductName: "Café molido 500g", Quantity: d("2"), UnitPrice: d("10.00"), TotalPrice: d("20.00")},
			{ProductID: "P-002", ProductName: "Taza cerámica", Quantity: d("1"), UnitPrice: d("5.00"), TotalPrice: d("5.00")},
		},
		TotalAmount:   d("28.00"),
		TaxAmount:     d("3.00"),
		PaymentMethod: "cash",
	}
}

// ── Credencial de prueba ──────────────────────────────────────────────────────

var (
	pemOnce         sync.Once
	certPEM, keyPEM []byte
)

func credentials(t *testing.T) billing.CredentialSource {
	t.Helper()
	pemOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(77),
			Subject:      pkix.Name{CommonName: "COMERCIAL ANDINA S.A."},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(365 * 24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			panic(err)
		}
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	})
	return signer.NewBytesSource(certPEM, keyPEM)
}

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeSales struct {
	mu    sync.Mutex
	sales map[string]*entity.Sale
	err   error
}

func newFakeSales(sales ...*entity.Sale) *fakeSales {
	f := &fakeSales{sales: make(map[string]*entity.Sale)}
	for _, s := range sales {
		f.sales[s.ID] = s
	}
	return f
}

func (f *fakeSales) GetSale(_ context.Context, ref string) (*entity.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sales[ref]
	if !ok {
		return nil, &domain.SaleNotFoundError{SaleReference: ref}
	}
	cp := *s
	return &cp, nil
}

type fakeTransport struct {
	mu        sync.Mutex
	submit    func(signed []byte) (*infrasri.SubmissionResult, error)
	query     func(accessKey string) (*infrasri.AuthorizationResult, error)
	submitted [][]byte
	queries   int
}

func (f *fakeTransport) Submit(_ context.Context, _ string, signed []byte) (*infrasri.SubmissionResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, signed)
	fn := f.submit
	f.mu.Unlock()
	if fn == nil {
		return &infrasri.SubmissionResult{Outcome: infrasri.SubmissionReceived, Message: "RECIBIDA"}, nil
	}
	return fn(signed)
}

// QueryAuthorization como el cliente HTTP real, falla si ctx se canceló durante la llamada.
func (f *fakeTransport) QueryAuthorization(ctx context.Context, _ string, accessKey string) (*infrasri.AuthorizationResult, error) {
	f.mu.Lock()
	f.queries++
	fn := f.query
	f.mu.Unlock()
	res := &infrasri.AuthorizationResult{Outcome: infrasri.AuthorizationProcessing, Message: "EN PROCESO"}
	var err error
	if fn != nil {
		res, err = fn(accessKey)
	}
	if ctx.Err() != nil {
		return nil, &domain.TransportUnavailableError{Op: "autorizacion", Err: ctx.Err()}
	}
	return res, err
}

func (f *fakeTransport) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func authorizedAt(number string, at time.Time) func(string) (*infrasri.AuthorizationResult, error) {
	return func(string) (*infrasri.AuthorizationResult, error) {
		return &infrasri.AuthorizationResult{
			Outcome: infrasri.AuthorizationAuthorized,
			Message: "AUTORIZADO",
			Number:  number,
			Date:    &at,
		}, nil
	}
}

type recordingMetrics struct {
	billing.NopMetrics
	mu          sync.Mutex
	transitions []string
	lost        int
}

func (m *recordingMetrics) Transition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"→"+to)
}

func (m *recordingMetrics) LostWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost++
}

// ── Ensamblado ────────────────────────────────────────────────────────────────

type harness struct {
	store     *memory.InvoiceStore
	sales     *fakeSales
	transport *fakeTransport
	metrics   *recordingMetrics
	orch      *billing.Orchestrator
}

func newHarness(t *testing.T, builder billing.DocumentBuilder) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewInvoiceStore(),
		sales:     newFakeSales(testSale("sale-1")),
		transport: &fakeTransport{},
		metrics:   &recordingMetrics{},
	}
	h.orch = h.orchestrator(t, h.store, builder)
	return h
}

// orchestrator arma un orquestador sobre repo con los fakes del harness. builder nil = tarifa 12 %.
func (h *harness) orchestrator(t *testing.T, repo repository.InvoiceRepository, builder billing.DocumentBuilder) *billing.Orchestrator {
	t.Helper()
	if builder == nil {
		b, err := infrasri.NewDocumentBuilder(infrasri.BuilderOptions{TaxRate: d("0.12")})
		require.NoError(t, err)
		builder = b
	}
	return billing.NewOrchestrator(billing.OrchestratorDeps{
		Repo:        repo,
		Sales:       h.sales,
		Builder:     builder,
		Credentials: credentials(t),
		Signer:      signer.NewService(),
		Transport:   h.transport,
		Locker:      memory.NewKeyedLocker(),
		Metrics:     h.metrics,
	}, testIssuer(), zerolog.Nop()).WithClock(func() time.Time { return fixedNow })
}

// seed registra una factura con el estado indicado.
func (h *harness) seed(t *testing.T, status string) *entity.Invoice {
	t.Helper()
	inv := &entity.Invoice{
		SaleReference: "sale-1",
		BranchID:      "matriz",
		Environment:   entity.EnvironmentTest,
		Sequential:    "000000001",
		InvoiceNumber: "001-001-000000001",
		Status:        status,
		CreatedAt:     fixedNow,
		UpdatedAt:     fixedNow,
	}
	require.NoError(t, h.store.Create(context.Background(), inv))
	return inv
}

func (h *harness) get(t *testing.T, id string) *entity.Invoice {
	t.Helper()
	inv, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

// sentInvoice lleva una factura nueva hasta sent por el pipeline real.
func (h *harness) sentInvoice(t *testing.T) *entity.Invoice {
	t.Helper()
	inv := h.seed(t, entity.InvoiceStatusPending)
	require.NoError(t, h.orch.Process(context.Background(), inv.ID))
	got := h.get(t, inv.ID)
	require.Equal(t, entity.InvoiceStatusSent, got.Status)
	return got
}
