package token

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Decimals is the number of fractional digits carried by the reward asset.
// One whole token equals 10^Decimals base units.
const Decimals = 18

// storeWidth is the fixed digit width amounts are persisted at. Zero-padded
// decimal strings of equal width compare numerically under both the postgres
// numeric type and sqlite text collation, which keeps the conditional
// balance guards exact on either dialect.
const storeWidth = 32

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Amount is a non-negative quantity of the reward asset in base units. The
// zero value is zero tokens. Amounts are immutable; arithmetic returns new
// values.
type Amount struct {
	i *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromBase wraps a base-unit integer. Negative values are rejected.
func FromBase(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, nil
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("token: amount must not be negative")
	}
	return Amount{i: new(big.Int).Set(v)}, nil
}

// MustFromBase wraps a base-unit integer and panics on negative input. For
// constants and tests.
func MustFromBase(v *big.Int) Amount {
	amt, err := FromBase(v)
	if err != nil {
		panic(err)
	}
	return amt
}

// FromTokens converts a whole-token count to an amount.
func FromTokens(tokens int64) Amount {
	if tokens <= 0 {
		return Amount{}
	}
	return Amount{i: new(big.Int).Mul(big.NewInt(tokens), unit)}
}

// Parse converts a decimal token string ("12.5", "1e3", "0.000001") into
// base units. At most Decimals fractional digits are accepted; negative
// values are rejected.
func Parse(value string) (Amount, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return Amount{}, fmt.Errorf("token: empty amount")
	}
	normalized := trimmed
	var exponent int64
	if idx := strings.IndexAny(normalized, "eE"); idx != -1 {
		expPart := strings.TrimSpace(normalized[idx+1:])
		if expPart == "" {
			return Amount{}, fmt.Errorf("token: invalid scientific notation")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("token: invalid scientific notation")
		}
		exponent = expValue
		normalized = strings.TrimSpace(normalized[:idx])
	}
	normalized = strings.TrimPrefix(normalized, "+")
	if strings.HasPrefix(normalized, "-") {
		return Amount{}, fmt.Errorf("token: amount must not be negative")
	}
	parts := strings.Split(normalized, ".")
	if len(parts) > 2 {
		return Amount{}, fmt.Errorf("token: invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" || !isDigits(digits) {
		return Amount{}, fmt.Errorf("token: invalid amount format")
	}
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	digits = strings.TrimLeft(digits, "0")
	totalExponent := exponent - int64(fracLen) + Decimals
	if totalExponent < 0 {
		return Amount{}, fmt.Errorf("token: more than %d fractional digits", Decimals)
	}
	if digits == "" {
		return Amount{}, nil
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", int(totalExponent))
	}
	if len(digits) > storeWidth {
		return Amount{}, fmt.Errorf("token: amount exceeds %d digits", storeWidth)
	}
	parsed := new(big.Int)
	if _, ok := parsed.SetString(digits, 10); !ok {
		return Amount{}, fmt.Errorf("token: invalid amount value")
	}
	return Amount{i: parsed}, nil
}

// MustParse is Parse for literals that are known to be valid.
func MustParse(value string) Amount {
	amt, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return amt
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// BaseUnits returns a copy of the amount in base units.
func (a Amount) BaseUnits() *big.Int {
	if a.i == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.i)
}

// Rat returns the amount in base units as a rational.
func (a Amount) Rat() *big.Rat {
	if a.i == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetInt(a.i)
}

// IsZero reports whether the amount is zero base units.
func (a Amount) IsZero() bool {
	return a.i == nil || a.i.Sign() == 0
}

// Cmp compares two amounts, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.BaseUnits().Cmp(b.BaseUnits())
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{i: new(big.Int).Add(a.BaseUnits(), b.BaseUnits())}
}

// Sub returns a-b, failing when the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	diff := new(big.Int).Sub(a.BaseUnits(), b.BaseUnits())
	if diff.Sign() < 0 {
		return Amount{}, fmt.Errorf("token: subtraction below zero")
	}
	return Amount{i: diff}, nil
}

// MulRat returns a·r floored to base units. Non-positive products collapse
// to zero.
func (a Amount) MulRat(r *big.Rat) Amount {
	if a.i == nil || r == nil {
		return Amount{}
	}
	product := new(big.Rat).Mul(r, new(big.Rat).SetInt(a.i))
	return FloorRat(product)
}

// DivInt returns a/n floored to base units.
func (a Amount) DivInt(n int64) Amount {
	if a.i == nil || n <= 0 {
		return Amount{}
	}
	return Amount{i: new(big.Int).Div(a.BaseUnits(), big.NewInt(n))}
}

// FloorRat floors a rational number of base units to an amount. Negative
// values collapse to zero.
func FloorRat(r *big.Rat) Amount {
	if r == nil || r.Sign() <= 0 {
		return Amount{}
	}
	quotient := new(big.Int).Div(r.Num(), r.Denom())
	if quotient.Sign() < 0 {
		return Amount{}
	}
	return Amount{i: quotient}
}

// String renders the amount as a decimal token string with trailing zeros
// trimmed ("6", "12.5").
func (a Amount) String() string {
	base := a.BaseUnits()
	quo, rem := new(big.Int).QuoRem(base, unit, new(big.Int))
	if rem.Sign() == 0 {
		return quo.Text(10)
	}
	remText := rem.Text(10)
	frac := strings.TrimRight(strings.Repeat("0", Decimals-len(remText))+remText, "0")
	return quo.Text(10) + "." + frac
}

// MarshalJSON renders the amount as a quoted decimal token string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	if text == "null" || text == "" {
		*a = Amount{}
		return nil
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value persists the amount as a zero-padded fixed-width decimal string.
func (a Amount) Value() (driver.Value, error) {
	text := a.BaseUnits().Text(10)
	if len(text) > storeWidth {
		return nil, fmt.Errorf("token: amount exceeds %d stored digits", storeWidth)
	}
	return strings.Repeat("0", storeWidth-len(text)) + text, nil
}

// Scan restores an amount from its stored representation.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("token: negative stored amount %d", v)
		}
		*a = Amount{i: big.NewInt(v)}
		return nil
	case string:
		return a.scanText(v)
	case []byte:
		return a.scanText(string(v))
	default:
		return fmt.Errorf("token: cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		*a = Amount{}
		return nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return fmt.Errorf("token: malformed stored amount %q", trimmed)
	}
	if parsed.Sign() < 0 {
		return fmt.Errorf("token: negative stored amount %q", trimmed)
	}
	*a = Amount{i: parsed}
	return nil
}

// GormDBDataType keeps the column numeric on postgres and fixed-width text
// on sqlite so range guards compare consistently.
func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "numeric(78,0)"
	default:
		return fmt.Sprintf("char(%d)", storeWidth)
	}
}
