package routeBuilder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
)

var (
	integerPattern = regexp.MustCompile(`^\d+$`)
	hexPattern     = regexp.MustCompile(`^0[xX][0-9a-fA-F]+$`)
)

// NormalizeBigIntString converts a quoted numeric field to an exact integer string.
// Decimal and scientific notation values are truncated toward zero, never rounded up.
// Integer and 0x-prefixed hex strings are returned unchanged; empty means zero.
// Negative amounts are rejected.
func NormalizeBigIntString(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "0", nil
	}
	if integerPattern.MatchString(value) || hexPattern.MatchString(value) {
		return value, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", chainErrors.Wrap(chainErrors.KindConfiguration, "", fmt.Sprintf("invalid numeric value %q", value), err)
	}
	if d.IsNegative() {
		return "", chainErrors.New(chainErrors.KindConfiguration, "", fmt.Sprintf("negative amount %q", value))
	}
	return d.Truncate(0).BigInt().String(), nil
}
