package certutil

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

const fingerprintPrefix = "SHA256:"

// Fingerprint calculates the SHA256 fingerprint of a certificate's DER encoding
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return fingerprintPrefix + hex.EncodeToString(hash[:])
}

// FingerprintMatches checks if two certificates have the same fingerprint
func FingerprintMatches(a, b *x509.Certificate) bool {
	return Fingerprint(a) == Fingerprint(b)
}

// NormalizeFingerprint accepts a fingerprint with or without the "SHA256:"
// prefix, in any case and with optional colon separators, and returns the
// canonical form used as the trust store key.
func NormalizeFingerprint(fp string) (string, error) {
	s := strings.TrimSpace(fp)
	if len(s) >= len(fingerprintPrefix) && strings.EqualFold(s[:len(fingerprintPrefix)], fingerprintPrefix) {
		s = s[len(fingerprintPrefix):]
	}
	s = strings.ToLower(strings.ReplaceAll(s, ":", ""))

	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("failed to decode fingerprint: %w", err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("fingerprint must be %d bytes, got %d", sha256.Size, len(raw))
	}

	return fingerprintPrefix + s, nil
}

// ParsePEM parses the first CERTIFICATE block of a PEM document
func ParsePEM(data []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			return cert, nil
		}
		data = rest
	}
}

// EncodePEM returns the PEM encoding of a certificate
func EncodePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
