package certutil

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// SAN type labels
const (
	SANTypeDNS   = "DNS"
	SANTypeIP    = "IP"
	SANTypeEmail = "email"
	SANTypeURI   = "URI"
)

// DefaultDateLayout renders dates in long form, e.g. "January 2, 2006"
const DefaultDateLayout = "January 2, 2006"

// SubjectAltName is a single subject alternative name entry
type SubjectAltName struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// String renders the entry as "[type]value"
func (s SubjectAltName) String() string {
	return fmt.Sprintf("[%s]%s", s.Type, s.Value)
}

// Metadata is the subset of a certificate needed to ask a human about it
type Metadata struct {
	Fingerprint string           `json:"fingerprint"`
	Issuer      string           `json:"issuer"`
	Subject     string           `json:"subject"`
	SANs        []SubjectAltName `json:"sans,omitempty"`
	NotBefore   time.Time        `json:"not_before"`
	NotAfter    time.Time        `json:"not_after"`
}

// Describe extracts the metadata of a certificate
func Describe(cert *x509.Certificate) Metadata {
	meta := Metadata{
		Fingerprint: Fingerprint(cert),
		Issuer:      cert.Issuer.String(),
		Subject:     cert.Subject.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}

	for _, name := range cert.DNSNames {
		meta.SANs = append(meta.SANs, SubjectAltName{Type: SANTypeDNS, Value: name})
	}
	for _, ip := range cert.IPAddresses {
		meta.SANs = append(meta.SANs, SubjectAltName{Type: SANTypeIP, Value: ip.String()})
	}
	for _, email := range cert.EmailAddresses {
		meta.SANs = append(meta.SANs, SubjectAltName{Type: SANTypeEmail, Value: email})
	}
	for _, uri := range cert.URIs {
		meta.SANs = append(meta.SANs, SubjectAltName{Type: SANTypeURI, Value: uri.String()})
	}

	return meta
}

// IssuedFor returns the SAN entries when present, otherwise the subject name
func (m Metadata) IssuedFor() string {
	if len(m.SANs) == 0 {
		return m.Subject
	}

	parts := make([]string, 0, len(m.SANs))
	for _, san := range m.SANs {
		parts = append(parts, san.String())
	}
	return strings.Join(parts, " ")
}

// Render produces the text shown to a human deciding whether to trust the certificate
func Render(m Metadata, dateLayout string) string {
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The server presented a certificate that could not be verified.\n")
	fmt.Fprintf(&b, "Issued by:   %s\n", m.Issuer)
	fmt.Fprintf(&b, "Issued for:  %s\n", m.IssuedFor())
	fmt.Fprintf(&b, "Valid from:  %s\n", m.NotBefore.Format(dateLayout))
	fmt.Fprintf(&b, "Valid until: %s\n", m.NotAfter.Format(dateLayout))
	fmt.Fprintf(&b, "Fingerprint: %s\n", m.Fingerprint)
	fmt.Fprintf(&b, "Do you want to trust this certificate anyway?")
	return b.String()
}
