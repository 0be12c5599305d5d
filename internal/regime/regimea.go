package regime

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/certstore"
	"github.com/veritrail/veritrail/internal/fiscal"
	"github.com/veritrail/veritrail/internal/signature"
)

const regimeAQRPrefix = "VF1:"

// AdapterA implements the Regime A protocol: invoice-by-invoice records
// signed with the issuer certificate and chained to the fiscal ledger.
type AdapterA struct {
	store  certstore.Store
	reg    certstore.Registry
	engine *signature.Engine
	logger *zap.Logger
}

// NewAdapterA creates the Regime A adapter.
func NewAdapterA(store certstore.Store, reg certstore.Registry, engine *signature.Engine, logger *zap.Logger) *AdapterA {
	return &AdapterA{store: store, reg: reg, engine: engine, logger: logger}
}

// Regime implements Adapter.
func (a *AdapterA) Regime() ID { return RegimeA }

// regimeARecord is the Regime A wire format.
type regimeARecord struct {
	XMLName xml.Name `xml:"FiscalRecord"`
	Regime  string   `xml:"Regime"`
	Issuer  struct {
		TaxID  string `xml:"TaxID"`
		Name   string `xml:"Name,omitempty"`
		CertSN string `xml:"CertSerial"`
	} `xml:"Issuer"`
	Document struct {
		Type      string `xml:"Type"`
		Series    string `xml:"Series"`
		Number    string `xml:"Number"`
		IssuedAt  string `xml:"IssuedAt"`
		Taxable   string `xml:"TaxableAmount"`
		Tax       string `xml:"TaxAmount"`
		Total     string `xml:"TotalAmount"`
	} `xml:"Document"`
	Chain struct {
		Hash     string `xml:"Hash"`
		PrevHash string `xml:"PreviousHash"`
	} `xml:"Chain"`
	Signature string `xml:"Signature"`
	QR        string `xml:"VerificationCode"`
}

// signingPayload is Regime A's canonical byte string: regime id, tax id,
// series, and document number.
func (a *AdapterA) signingPayload(taxID string, entry *fiscal.LogEntry) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", RegimeA, taxID, entry.Series, entry.Number))
}

// BuildEnvelope implements Adapter.
func (a *AdapterA) BuildEnvelope(ctx context.Context, entry *fiscal.LogEntry) (*Envelope, error) {
	if entry.Hash == "" || entry.PrevHash == "" {
		return nil, fmt.Errorf("entry %s is not chained; envelopes require a ledger entry", entry.ID)
	}

	cert, err := selectCertificate(ctx, a.store, a.reg, RegimeA, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	payload := a.signingPayload(cert.TaxID, entry)
	var sig []byte
	err = a.store.ExportAndUse(ctx, cert.Thumbprint, func(exp *certstore.Exported) error {
		var signErr error
		sig, signErr = a.engine.SignWithKey(exp.Key, payload)
		return signErr
	})
	if err != nil {
		// Signing failures keep their kind; callers distinguish transient
		// from fatal by the wrapped sentinel.
		return nil, err
	}

	env := &Envelope{
		ID:           uuid.New(),
		Regime:       RegimeA,
		EntryID:      entry.ID,
		TenantID:     entry.TenantID,
		Thumbprint:   cert.Thumbprint,
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		QRPayload:    qrPayload(regimeAQRPrefix, sig, entry.Number),
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	var rec regimeARecord
	rec.Regime = string(RegimeA)
	rec.Issuer.TaxID = cert.TaxID
	rec.Issuer.Name = cert.Holder
	rec.Issuer.CertSN = cert.SerialNumber
	rec.Document.Type = string(entry.DocType)
	rec.Document.Series = entry.Series
	rec.Document.Number = entry.Number
	rec.Document.IssuedAt = entry.Timestamp.UTC().Format(time.RFC3339)
	rec.Document.Taxable = entry.TaxableAmount.StringFixed(2)
	rec.Document.Tax = entry.TaxAmount.StringFixed(2)
	rec.Document.Total = entry.Total.StringFixed(2)
	rec.Chain.Hash = entry.Hash
	rec.Chain.PrevHash = entry.PrevHash
	rec.Signature = env.SignatureB64
	rec.QR = env.QRPayload

	env.XML, err = xml.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal regime A record: %w", err)
	}

	a.logger.Debug("regime A envelope built",
		zap.String("tenant", entry.TenantID),
		zap.String("number", entry.Number),
		zap.String("thumbprint", cert.Thumbprint),
	)
	return env, nil
}
