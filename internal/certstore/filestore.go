package certstore

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/signature"
)

// FileStore serves certificates from a directory of PEM pairs
// (<name>.crt / <name>.key). It backs development hosts and tests where no
// OS-managed store exists, while upholding the same export-use-discard
// contract as the platform stores.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

// Available implements Store. A FileStore is available when its directory
// exists.
func (s *FileStore) Available() bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	if !s.Available() {
		return nil, ErrStoreUnavailable
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read cert dir: %w", err)
	}

	seen := make(map[string]bool)
	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".crt")
		cert, err := s.loadCert(name)
		if err != nil {
			s.logger.Warn("skipping unreadable certificate", zap.String("file", e.Name()), zap.Error(err))
			continue
		}

		thumb := Thumbprint(cert)
		if seen[thumb] {
			continue
		}
		seen[thumb] = true

		_, keyErr := os.Stat(filepath.Join(s.dir, name+".key"))
		hasKey := keyErr == nil
		if !hasKey {
			// Only credentials that can actually sign are listed.
			continue
		}

		rec := recordFromCert(cert, thumb, LocationUser)
		records = append(records, rec)
	}
	return records, nil
}

// ExportAndUse implements Store. The private key is read, sealed into a
// temporary encrypted container under a fresh passphrase, reopened, handed to
// op, and wiped when op returns.
func (s *FileStore) ExportAndUse(ctx context.Context, thumbprint string, op Operation) error {
	if !s.Available() {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		// Deadlines and cancellation are transient from the caller's view:
		// the credential itself is fine, a retry may succeed.
		return fmt.Errorf("export %s: %w: %w", thumbprint, signature.ErrSigningUnavailable, err)
	}

	name, cert, err := s.findByThumbprint(thumbprint)
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(filepath.Join(s.dir, name+".key"))
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return fmt.Errorf("export key for %s: %w", thumbprint, ErrKeyAccessDenied)
		}
		return fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	wipe(keyPEM)
	if block == nil {
		return fmt.Errorf("decode key PEM for %s: %w", thumbprint, signature.ErrInvalidCredential)
	}

	// Seal-then-open mirrors the round trip through the OS export: the key
	// only ever travels inside the encrypted container.
	sealed, passphrase, err := sealContainer(block.Bytes)
	wipe(block.Bytes)
	if err != nil {
		return err
	}
	defer wipe(passphrase)

	der, err := openContainer(sealed, passphrase)
	if err != nil {
		return err
	}
	defer wipe(der)

	key, err := parseRSAKey(der)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("export %s: %w: %w", thumbprint, signature.ErrSigningUnavailable, err)
	}
	return op(&Exported{Cert: cert, Key: key})
}

func (s *FileStore) loadCert(name string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(filepath.Join(s.dir, name+".crt"))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s.crt", name)
	}
	return x509.ParseCertificate(block.Bytes)
}

func (s *FileStore) findByThumbprint(thumbprint string) (string, *x509.Certificate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", nil, fmt.Errorf("read cert dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".crt")
		cert, err := s.loadCert(name)
		if err != nil {
			continue
		}
		if strings.EqualFold(Thumbprint(cert), thumbprint) {
			return name, cert, nil
		}
	}
	return "", nil, fmt.Errorf("%s: %w", thumbprint, ErrCertNotFound)
}

// parseRSAKey decodes a DER private key (PKCS#8 or PKCS#1) and requires RSA.
// Anything that fails to parse marks the credential itself as unusable.
func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T: %w", key, signature.ErrInvalidCredential)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", signature.ErrInvalidCredential)
	}
	return key, nil
}

// Thumbprint computes the hex SHA-1 fingerprint of a certificate, uppercased
// to match the convention used by OS certificate stores.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// recordFromCert builds a Record from a parsed certificate.
func recordFromCert(cert *x509.Certificate, thumbprint string, loc Location) Record {
	subject := cert.Subject.String()
	holder, taxID, org := ParseSubject(subject)
	return Record{
		Thumbprint:   thumbprint,
		SerialNumber: cert.SerialNumber.Text(16),
		Subject:      subject,
		Issuer:       cert.Issuer.String(),
		Holder:       holder,
		TaxID:        taxID,
		Organization: org,
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		Location:     loc,
		HasKey:       true,
	}
}
