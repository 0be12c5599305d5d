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

const regimeBQRPrefix = "TB1:"

// AdapterB implements the Regime B protocol. Its canonical signing payload
// additionally binds the issue date and total amount, and its wire format is
// a distinct XML schema.
type AdapterB struct {
	store  certstore.Store
	reg    certstore.Registry
	engine *signature.Engine
	logger *zap.Logger
}

// NewAdapterB creates the Regime B adapter.
func NewAdapterB(store certstore.Store, reg certstore.Registry, engine *signature.Engine, logger *zap.Logger) *AdapterB {
	return &AdapterB{store: store, reg: reg, engine: engine, logger: logger}
}

// Regime implements Adapter.
func (b *AdapterB) Regime() ID { return RegimeB }

// regimeBTicket is the Regime B wire format.
type regimeBTicket struct {
	XMLName xml.Name `xml:"TicketRecord"`
	Regime  string   `xml:"Regime"`
	Subject struct {
		TaxID string `xml:"NIF"`
		Name  string `xml:"Name,omitempty"`
	} `xml:"Subject"`
	Invoice struct {
		Series   string `xml:"Series"`
		Number   string `xml:"Number"`
		IssuedOn string `xml:"IssueDate"`
		Total    string `xml:"Total"`
		Tax      string `xml:"Tax"`
	} `xml:"Invoice"`
	Fingerprint struct {
		EntryHash string `xml:"EntryHash"`
		PrevHash  string `xml:"PreviousHash"`
		Signature string `xml:"SignatureValue"`
	} `xml:"Fingerprint"`
	QR string `xml:"QRCode"`
}

// signingPayload is Regime B's canonical byte string: regime id, tax id,
// issue date, total amount, and document number.
func (b *AdapterB) signingPayload(taxID string, entry *fiscal.LogEntry) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		RegimeB, taxID,
		entry.Timestamp.UTC().Format("2006-01-02"),
		entry.Total.StringFixed(2),
		entry.Number,
	))
}

// BuildEnvelope implements Adapter.
func (b *AdapterB) BuildEnvelope(ctx context.Context, entry *fiscal.LogEntry) (*Envelope, error) {
	if entry.Hash == "" || entry.PrevHash == "" {
		return nil, fmt.Errorf("entry %s is not chained; envelopes require a ledger entry", entry.ID)
	}

	cert, err := selectCertificate(ctx, b.store, b.reg, RegimeB, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	payload := b.signingPayload(cert.TaxID, entry)
	var sig []byte
	err = b.store.ExportAndUse(ctx, cert.Thumbprint, func(exp *certstore.Exported) error {
		var signErr error
		sig, signErr = b.engine.SignWithKey(exp.Key, payload)
		return signErr
	})
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:           uuid.New(),
		Regime:       RegimeB,
		EntryID:      entry.ID,
		TenantID:     entry.TenantID,
		Thumbprint:   cert.Thumbprint,
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		QRPayload:    qrPayload(regimeBQRPrefix, sig, entry.Number),
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	var rec regimeBTicket
	rec.Regime = string(RegimeB)
	rec.Subject.TaxID = cert.TaxID
	rec.Subject.Name = cert.Holder
	rec.Invoice.Series = entry.Series
	rec.Invoice.Number = entry.Number
	rec.Invoice.IssuedOn = entry.Timestamp.UTC().Format("2006-01-02")
	rec.Invoice.Total = entry.Total.StringFixed(2)
	rec.Invoice.Tax = entry.TaxAmount.StringFixed(2)
	rec.Fingerprint.EntryHash = entry.Hash
	rec.Fingerprint.PrevHash = entry.PrevHash
	rec.Fingerprint.Signature = env.SignatureB64
	rec.QR = env.QRPayload

	env.XML, err = xml.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal regime B ticket: %w", err)
	}

	b.logger.Debug("regime B envelope built",
		zap.String("tenant", entry.TenantID),
		zap.String("number", entry.Number),
		zap.String("thumbprint", cert.Thumbprint),
	)
	return env, nil
}
