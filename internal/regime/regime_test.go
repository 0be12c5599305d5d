package regime_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/certstore"
	"github.com/veritrail/veritrail/internal/fiscal"
	"github.com/veritrail/veritrail/internal/regime"
	"github.com/veritrail/veritrail/internal/signature"
)

// signingFixture is a file-backed certificate store with one certificate
// registered for the given usages.
type signingFixture struct {
	store      *certstore.FileStore
	memReg     *certstore.MemoryRegistry
	thumbprint string
	pubKey     *rsa.PublicKey
	engine     *signature.Engine
}

func newSigningFixture(t *testing.T, usages ...certstore.Usage) *signingFixture {
	t.Helper()

	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "MARIA GARCIA LOPEZ",
			SerialNumber: "IDCES-12345678Z",
			Organization: []string{"Garcia Retail SL"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "issuer.crt"), certPEM, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "issuer.key"), keyPEM, 0o600))

	memReg := certstore.NewMemoryRegistry()
	thumb := certstore.Thumbprint(cert)
	for _, u := range usages {
		require.NoError(t, memReg.Assign(context.Background(), thumb, u))
	}

	engine, err := signature.NewEngine([]byte("regime-test-secret"), zap.NewNop())
	require.NoError(t, err)

	return &signingFixture{
		store:      certstore.NewFileStore(dir, zap.NewNop()),
		memReg:     memReg,
		thumbprint: thumb,
		pubKey:     &key.PublicKey,
		engine:     engine,
	}
}

// chainedEntry builds an entry the way the ledger would hand it out: hashed
// against the genesis sentinel.
func chainedEntry(t *testing.T) *fiscal.LogEntry {
	t.Helper()

	e := &fiscal.LogEntry{
		ID:            uuid.New(),
		TenantID:      "tenant-1",
		DocType:       fiscal.DocInvoice,
		Number:        "F-001",
		Series:        "A",
		TaxableAmount: decimal.NewFromInt(100),
		TaxAmount:     decimal.NewFromInt(21),
		Total:         decimal.NewFromInt(121),
		Timestamp:     time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		PrevHash:      fiscal.GenesisHash,
	}
	e.Hash = fiscal.HashEntry(e)
	return e
}

type fiscalRecordDoc struct {
	XMLName xml.Name `xml:"FiscalRecord"`
	Regime  string   `xml:"Regime"`
	Issuer  struct {
		TaxID  string `xml:"TaxID"`
		Name   string `xml:"Name"`
		CertSN string `xml:"CertSerial"`
	} `xml:"Issuer"`
	Document struct {
		Type     string `xml:"Type"`
		Series   string `xml:"Series"`
		Number   string `xml:"Number"`
		IssuedAt string `xml:"IssuedAt"`
		Taxable  string `xml:"TaxableAmount"`
		Tax      string `xml:"TaxAmount"`
		Total    string `xml:"TotalAmount"`
	} `xml:"Document"`
	Chain struct {
		Hash     string `xml:"Hash"`
		PrevHash string `xml:"PreviousHash"`
	} `xml:"Chain"`
	Signature string `xml:"Signature"`
	QR        string `xml:"VerificationCode"`
}

func TestAdapterA_BuildEnvelope(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())
	entry := chainedEntry(t)

	env, err := adapter.BuildEnvelope(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, regime.RegimeA, env.Regime)
	assert.Equal(t, entry.ID, env.EntryID)
	assert.Equal(t, "tenant-1", env.TenantID)
	assert.Equal(t, fx.thumbprint, env.Thumbprint)
	assert.Equal(t, regime.StatusPending, env.Status)
	assert.Nil(t, env.SubmittedAt)

	// The signature must verify against the certificate key over regime A's
	// canonical payload.
	sig, err := base64.StdEncoding.DecodeString(env.SignatureB64)
	require.NoError(t, err)
	payload := []byte("regime_a|12345678Z|A|F-001")
	require.NoError(t, signature.VerifyWithKey(fx.pubKey, payload, sig))

	assert.True(t, strings.HasPrefix(env.QRPayload, "VF1:"))
	assert.True(t, strings.HasSuffix(env.QRPayload, "|F-001"))

	var doc fiscalRecordDoc
	require.NoError(t, xml.Unmarshal(env.XML, &doc))
	assert.Equal(t, "regime_a", doc.Regime)
	assert.Equal(t, "12345678Z", doc.Issuer.TaxID)
	assert.Equal(t, "MARIA GARCIA LOPEZ", doc.Issuer.Name)
	assert.Equal(t, "invoice", doc.Document.Type)
	assert.Equal(t, "121.00", doc.Document.Total)
	assert.Equal(t, entry.Hash, doc.Chain.Hash)
	assert.Equal(t, fiscal.GenesisHash, doc.Chain.PrevHash)
	assert.Equal(t, env.SignatureB64, doc.Signature)
	assert.Equal(t, env.QRPayload, doc.QR)
}

func TestAdapterB_BuildEnvelope(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeB)
	adapter := regime.NewAdapterB(fx.store, fx.memReg, fx.engine, zap.NewNop())
	entry := chainedEntry(t)

	env, err := adapter.BuildEnvelope(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, regime.RegimeB, env.Regime)
	assert.True(t, strings.HasPrefix(env.QRPayload, "TB1:"))

	sig, err := base64.StdEncoding.DecodeString(env.SignatureB64)
	require.NoError(t, err)
	payload := []byte("regime_b|12345678Z|2026-03-14|121.00|F-001")
	require.NoError(t, signature.VerifyWithKey(fx.pubKey, payload, sig))
}

func TestBuildEnvelope_RequiresChainedEntry(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())

	entry := chainedEntry(t)
	entry.Hash = ""

	_, err := adapter.BuildEnvelope(context.Background(), entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not chained")
}

func TestBuildEnvelope_NoRegisteredCertificate(t *testing.T) {
	// Certificate exists but only carries the other regime's usage.
	fx := newSigningFixture(t, certstore.UsageRegimeB)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())

	_, err := adapter.BuildEnvelope(context.Background(), chainedEntry(t))
	require.ErrorIs(t, err, signature.ErrSigningUnavailable)
}

func TestBuildEnvelope_StoreUnavailable(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	gone := certstore.NewFileStore(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	adapter := regime.NewAdapterA(gone, fx.memReg, fx.engine, zap.NewNop())

	_, err := adapter.BuildEnvelope(context.Background(), chainedEntry(t))
	require.ErrorIs(t, err, signature.ErrSigningUnavailable)
}

func buildEnvelope(t *testing.T) (*signingFixture, *regime.Envelope) {
	t.Helper()
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())
	env, err := adapter.BuildEnvelope(context.Background(), chainedEntry(t))
	require.NoError(t, err)
	return fx, env
}

func acceptingAuthority(t *testing.T, ref string, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var doc fiscalRecordDoc
		if err := xml.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `<SubmissionResponse><Accepted>true</Accepted><Reference>%s</Reference></SubmissionResponse>`, ref)
	}))
}

func TestSubmitter_Accepted(t *testing.T) {
	_, env := buildEnvelope(t)

	var requests atomic.Int32
	srv := acceptingAuthority(t, "REF-42", &requests)
	defer srv.Close()

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop())
	receipt, err := sub.Submit(context.Background(), env)
	require.NoError(t, err)

	assert.True(t, receipt.Accepted)
	assert.Equal(t, "REF-42", receipt.AuthorityRef)
	assert.Equal(t, regime.StatusAccepted, env.Status)
	assert.Equal(t, "REF-42", env.AuthorityRef)
	require.NotNil(t, env.SubmittedAt)
	assert.Equal(t, int32(1), requests.Load())
}

func TestSubmitter_RetriesTransientFailures(t *testing.T) {
	_, env := buildEnvelope(t)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `<SubmissionResponse><Accepted>true</Accepted><Reference>REF-7</Reference></SubmissionResponse>`)
	}))
	defer srv.Close()

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop()).
		WithRetryPolicy(3, time.Millisecond)

	receipt, err := sub.Submit(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, int32(3), requests.Load())
}

func TestSubmitter_FatalRejection(t *testing.T) {
	_, env := buildEnvelope(t)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "malformed record", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop()).
		WithRetryPolicy(3, time.Millisecond)

	_, err := sub.Submit(context.Background(), env)
	var subErr *regime.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, subErr.Retryable)
	assert.Equal(t, http.StatusUnprocessableEntity, subErr.Status)
	// Permanent failures stop immediately.
	assert.Equal(t, int32(1), requests.Load())
}

func TestSubmitter_NetworkFailureIsRetryable(t *testing.T) {
	_, env := buildEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop()).
		WithRetryPolicy(1, time.Millisecond)

	_, err := sub.Submit(context.Background(), env)
	var subErr *regime.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.Retryable)
}

func TestSubmitter_MissingEndpoint(t *testing.T) {
	_, env := buildEnvelope(t)
	sub := regime.NewSubmitter(map[regime.ID]string{}, "test-key", time.Second, zap.NewNop())

	_, err := sub.Submit(context.Background(), env)
	var subErr *regime.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, subErr.Retryable)
}

func TestDispatcher_PersistsBeforeSubmission(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())
	envStore := regime.NewMemoryEnvelopeStore()

	// The authority rejects permanently, but the envelope must still be on
	// record afterwards.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown issuer", http.StatusForbidden)
	}))
	defer srv.Close()

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop()).
		WithRetryPolicy(1, time.Millisecond)
	disp := regime.NewDispatcher([]regime.Adapter{adapter}, envStore, sub, zap.NewNop())

	env, err := disp.Dispatch(context.Background(), regime.RegimeA, chainedEntry(t))
	require.Error(t, err)
	require.NotNil(t, env)

	stored, err := envStore.Get(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, regime.StatusRejected, stored.Status)
}

func TestDispatcher_ResubmitPendingEnvelope(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())
	envStore := regime.NewMemoryEnvelopeStore()

	var healthy atomic.Bool
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `<SubmissionResponse><Accepted>true</Accepted><Reference>REF-9</Reference></SubmissionResponse>`)
	}))
	defer srv.Close()

	sub := regime.NewSubmitter(map[regime.ID]string{regime.RegimeA: srv.URL}, "test-key", time.Second, zap.NewNop()).
		WithRetryPolicy(0, time.Millisecond)
	disp := regime.NewDispatcher([]regime.Adapter{adapter}, envStore, sub, zap.NewNop())

	env, err := disp.Dispatch(context.Background(), regime.RegimeA, chainedEntry(t))
	var subErr *regime.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.True(t, subErr.Retryable)

	// The envelope survived the outage as pending.
	pending, err := envStore.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	healthy.Store(true)
	resubmitted, err := disp.Resubmit(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, regime.StatusAccepted, resubmitted.Status)
	assert.Equal(t, "REF-9", resubmitted.AuthorityRef)
}

func TestDispatcher_UnknownRegime(t *testing.T) {
	disp := regime.NewDispatcher(nil, regime.NewMemoryEnvelopeStore(), nil, zap.NewNop())
	assert.False(t, disp.Enabled(regime.RegimeB))

	_, err := disp.Dispatch(context.Background(), regime.RegimeB, chainedEntry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestQRPayloadStability(t *testing.T) {
	fx := newSigningFixture(t, certstore.UsageRegimeA)
	adapter := regime.NewAdapterA(fx.store, fx.memReg, fx.engine, zap.NewNop())

	env, err := adapter.BuildEnvelope(context.Background(), chainedEntry(t))
	require.NoError(t, err)

	// Prefix, truncated signature, separator, document number.
	body := strings.TrimPrefix(env.QRPayload, "VF1:")
	parts := strings.SplitN(body, "|", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 22)
	assert.Equal(t, "F-001", parts[1])
	assert.True(t, strings.HasPrefix(env.SignatureB64, parts[0]))
}
