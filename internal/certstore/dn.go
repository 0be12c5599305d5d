package certstore

import (
	"regexp"
	"strings"
)

// taxIDPattern matches Spanish-style fiscal identifiers embedded in subject
// fields: 8 digits + control letter (NIF) or letter + 7 digits + control
// character (CIF/NIE).
var taxIDPattern = regexp.MustCompile(`\b([0-9]{8}[A-Za-z]|[A-Za-z][0-9]{7}[A-Za-z0-9])\b`)

// taxIDPrefixes are conventions some issuers prepend to the identifier in
// SERIALNUMBER or CN attributes. Stripped before matching.
var taxIDPrefixes = []string{"IDCES-", "VATES-", "NIF:", "NIF-", "NIF ", "CIF:", "CIF-", "CIF "}

// parseDN splits a distinguished-name string into attribute key/value pairs.
// Escaped commas (\,) inside values are honoured; keys are upper-cased.
func parseDN(dn string) map[string]string {
	attrs := make(map[string]string)
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())

	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		attrs[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return attrs
}

// stripTaxIDPrefix removes known issuer prefixing conventions from a raw
// identifier value.
func stripTaxIDPrefix(v string) string {
	upper := strings.ToUpper(v)
	for _, prefix := range taxIDPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	return v
}

// ExtractTaxID pulls the fiscal identifier out of a subject DN. The dedicated
// SERIALNUMBER attribute wins; when absent, the common name is scanned for an
// embedded identifier pattern.
func ExtractTaxID(subjectDN string) string {
	attrs := parseDN(subjectDN)
	if sn, ok := attrs["SERIALNUMBER"]; ok {
		cleaned := stripTaxIDPrefix(sn)
		if m := taxIDPattern.FindString(cleaned); m != "" {
			return strings.ToUpper(m)
		}
	}
	if cn, ok := attrs["CN"]; ok {
		if m := taxIDPattern.FindString(stripTaxIDPrefix(cn)); m != "" {
			return strings.ToUpper(m)
		}
	}
	return ""
}

// ParseSubject derives holder name, tax identifier, and organization from a
// subject distinguished-name string.
func ParseSubject(subjectDN string) (holder, taxID, organization string) {
	attrs := parseDN(subjectDN)
	taxID = ExtractTaxID(subjectDN)
	organization = attrs["O"]

	if g, s := attrs["G"], attrs["SN"]; g != "" && s != "" {
		holder = g + " " + s
	} else if g, s := attrs["GIVENNAME"], attrs["SURNAME"]; g != "" && s != "" {
		holder = g + " " + s
	} else if cn := attrs["CN"]; cn != "" {
		holder = cleanHolder(cn, taxID)
	}
	return holder, taxID, organization
}

// cleanHolder removes an embedded tax identifier and dangling separators from
// a common-name value.
func cleanHolder(cn, taxID string) string {
	out := cn
	if taxID != "" {
		idx := strings.Index(strings.ToUpper(out), taxID)
		if idx >= 0 {
			out = out[:idx] + out[idx+len(taxID):]
		}
	}
	const cutset = " -–/|:,"
	out = strings.Trim(out, cutset)
	for _, prefix := range taxIDPrefixes {
		out = strings.TrimSuffix(out, strings.TrimRight(prefix, " -:"))
		out = strings.Trim(out, cutset)
	}
	return out
}
