package idp

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"image/png"
	"math/big"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lavente-care/auth-core/internal/apperr"
)

// BreakGlass guards the IdP Adapter's own service-account bootstrap with a
// TOTP step-up check. This is not a tenant-facing feature — the service
// account that Initialize logs in as controls the Admin API for an entire
// realm, so its use is treated as a break-glass operation.
type BreakGlass struct {
	issuer string
}

func NewBreakGlass(issuer string) *BreakGlass {
	return &BreakGlass{issuer: issuer}
}

// EnrollServiceAccount generates a new TOTP secret for the admin service
// account and a PNG QR code an operator scans once during setup.
func (b *BreakGlass) EnrollServiceAccount(accountName string) (secret string, qrPNG []byte, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: b.issuer, AccountName: accountName})
	if err != nil {
		return "", nil, fmt.Errorf("idp: generate totp secret: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return "", nil, fmt.Errorf("idp: render totp qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", nil, fmt.Errorf("idp: encode totp qr code: %w", err)
	}

	return key.Secret(), buf.Bytes(), nil
}

// ValidateCode checks a 6-digit TOTP code against secret, allowing the
// library's default one-period clock skew.
func (b *BreakGlass) ValidateCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// ParseKey re-derives an otp.Key from a previously issued secret, useful for
// re-rendering the provisioning URI without generating a new secret.
func (b *BreakGlass) ParseKey(secret string) (*otp.Key, error) {
	return otp.NewKeyFromURL(fmt.Sprintf("otpauth://totp/%s?secret=%s&issuer=%s", b.issuer, secret, b.issuer))
}

// GenerateBackupCodes creates one-time recovery codes for the service
// account, used if the TOTP device is unavailable. Callers must hash these
// before persisting them; BreakGlass never stores state itself.
func (b *BreakGlass) GenerateBackupCodes(count int) ([]string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codes := make([]string, count)
	for i := range codes {
		code := make([]byte, 8)
		for j := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
			if err != nil {
				return nil, fmt.Errorf("idp: generate backup code: %w", err)
			}
			code[j] = chars[n.Int64()]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}
	return codes, nil
}

// InitializeWithStepUp behaves like Initialize but additionally requires a
// valid TOTP code for the admin service account before the session login is
// attempted — a step-up check on top of the password grant, for realms
// where the service account has break-glass MFA enrolled.
func (a *Adapter) InitializeWithStepUp(ctx context.Context, totpCode, totpSecret string, guard *BreakGlass) error {
	if guard == nil || !guard.ValidateCode(totpCode, totpSecret) {
		return apperr.New(apperr.Unauthorized, "idp: invalid break-glass totp code")
	}
	return a.Initialize(ctx)
}
