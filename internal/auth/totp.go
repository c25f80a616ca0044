package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	gateIssuer = "trustgate"
)

// GenerateGateKey generates the TOTP key of the unlock gate that guards
// approval verdicts.
func GenerateGateKey(accountName string) (*otp.Key, error) {
	if accountName == "" {
		accountName = "operator"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      gateIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate gate secret: %w", err)
	}

	return key, nil
}

// ValidateTOTP validates a gate code against a secret.
// Allows for ±1 time window to account for clock skew
func ValidateTOTP(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
