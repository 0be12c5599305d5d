//go:build windows

package certstore

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/pkcs12"

	"github.com/veritrail/veritrail/internal/signature"
)

// WindowsStore talks to the Windows certificate store through PowerShell.
// Enumeration covers both the CurrentUser and LocalMachine scopes; export
// relies on Export-PfxCertificate with a per-call random passphrase so the
// key only ever leaves the store inside an encrypted container.
type WindowsStore struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewPlatformStore returns the OS certificate store adapter for this host.
func NewPlatformStore(timeout time.Duration, logger *zap.Logger) Store {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &WindowsStore{timeout: timeout, logger: logger}
}

// Available implements Store.
func (s *WindowsStore) Available() bool {
	_, err := exec.LookPath("powershell.exe")
	return err == nil
}

const listScript = `
$certs = @()
foreach ($scope in 'CurrentUser','LocalMachine') {
  Get-ChildItem "Cert:\$scope\My" -ErrorAction SilentlyContinue |
    Where-Object { $_.HasPrivateKey } |
    ForEach-Object {
      $certs += [pscustomobject]@{
        thumbprint = $_.Thumbprint
        serial     = $_.SerialNumber
        subject    = $_.Subject
        issuer     = $_.Issuer
        not_before = $_.NotBefore.ToUniversalTime().ToString('o')
        not_after  = $_.NotAfter.ToUniversalTime().ToString('o')
        scope      = $scope
      }
    }
}
ConvertTo-Json @($certs)
`

type psCert struct {
	Thumbprint string `json:"thumbprint"`
	Serial     string `json:"serial"`
	Subject    string `json:"subject"`
	Issuer     string `json:"issuer"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
	Scope      string `json:"scope"`
}

// List implements Store.
func (s *WindowsStore) List(ctx context.Context) ([]Record, error) {
	if !s.Available() {
		return nil, ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "powershell.exe",
		"-NoProfile", "-NonInteractive", "-Command", listScript).Output()
	if err != nil {
		return nil, fmt.Errorf("enumerate certificate store: %w", err)
	}

	var raw []psCert
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode store listing: %w", err)
	}

	// A certificate visible in both scopes counts once; CurrentUser wins.
	seen := make(map[string]bool)
	var records []Record
	for _, c := range raw {
		thumb := strings.ToUpper(c.Thumbprint)
		if seen[thumb] {
			continue
		}
		seen[thumb] = true

		loc := LocationUser
		if c.Scope == "LocalMachine" {
			loc = LocationMachine
		}
		holder, taxID, org := ParseSubject(c.Subject)
		notBefore, _ := time.Parse(time.RFC3339, c.NotBefore)
		notAfter, _ := time.Parse(time.RFC3339, c.NotAfter)
		records = append(records, Record{
			Thumbprint:   thumb,
			SerialNumber: c.Serial,
			Subject:      c.Subject,
			Issuer:       c.Issuer,
			Holder:       holder,
			TaxID:        taxID,
			Organization: org,
			NotBefore:    notBefore,
			NotAfter:     notAfter,
			Location:     loc,
			HasKey:       true,
		})
	}
	return records, nil
}

// ExportAndUse implements Store. A fresh random passphrase protects the PFX
// container for the single round trip out of the store; the file, the
// container bytes, and the passphrase are all discarded before returning.
func (s *WindowsStore) ExportAndUse(ctx context.Context, thumbprint string, op Operation) error {
	if !s.Available() {
		return ErrStoreUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	passphrase, err := newPassphrase()
	if err != nil {
		return err
	}
	defer wipe(passphrase)
	password := hex.EncodeToString(passphrase[:16])

	tmpDir, err := os.MkdirTemp("", "vt-export-*")
	if err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	pfxPath := filepath.Join(tmpDir, "export.pfx")

	script := fmt.Sprintf(`
$pw = ConvertTo-SecureString -String $env:VT_EXPORT_PW -AsPlainText -Force
$cert = Get-ChildItem Cert:\CurrentUser\My\%[1]s -ErrorAction SilentlyContinue
if (-not $cert) { $cert = Get-ChildItem Cert:\LocalMachine\My\%[1]s -ErrorAction Stop }
Export-PfxCertificate -Cert $cert -FilePath %[2]q -Password $pw | Out-Null
`, thumbprint, pfxPath)

	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", script)
	cmd.Env = append(os.Environ(), "VT_EXPORT_PW="+password)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "denied") || strings.Contains(msg, "not exportable") {
			return fmt.Errorf("export %s: %w", thumbprint, ErrKeyAccessDenied)
		}
		if strings.Contains(msg, "cannot find") {
			return fmt.Errorf("%s: %w", thumbprint, ErrCertNotFound)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("export %s timed out: %w: %w", thumbprint, signature.ErrSigningUnavailable, ctxErr)
		}
		return fmt.Errorf("export %s: %v", thumbprint, err)
	}

	pfxData, err := os.ReadFile(pfxPath)
	if err != nil {
		return fmt.Errorf("read exported container: %w", err)
	}
	defer wipe(pfxData)
	_ = os.Remove(pfxPath)

	priv, cert, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return fmt.Errorf("decode exported container: %w", err)
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("exported key is %T, want RSA: %w", priv, ErrKeyAccessDenied)
	}

	s.logger.Debug("certificate exported for one-time use", zap.String("thumbprint", thumbprint))
	return op(&Exported{Cert: cert, Key: key})
}
