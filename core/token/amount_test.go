package token

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		base  string
		fails bool
	}{
		{name: "whole", in: "6", base: "6000000000000000000"},
		{name: "fraction", in: "12.5", base: "12500000000000000000"},
		{name: "trailing zeros", in: "1.250000", base: "1250000000000000000"},
		{name: "scientific", in: "1e3", base: "1000000000000000000000"},
		{name: "scientific fraction", in: "2.5e-1", base: "250000000000000000"},
		{name: "max precision", in: "0.000000000000000001", base: "1"},
		{name: "underscores", in: "1_000", base: "1000000000000000000000"},
		{name: "zero", in: "0", base: "0"},
		{name: "too precise", in: "0.0000000000000000001", fails: true},
		{name: "negative", in: "-1", fails: true},
		{name: "garbage", in: "12.3.4", fails: true},
		{name: "empty", in: "", fails: true},
		{name: "not a number", in: "abc", fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amt, err := Parse(tc.in)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.base, amt.BaseUnits().Text(10))
		})
	}
}

func TestString(t *testing.T) {
	require.Equal(t, "6", FromTokens(6).String())
	require.Equal(t, "12.5", MustParse("12.5").String())
	require.Equal(t, "0", Zero().String())
	require.Equal(t, "0.000000000000000001", MustFromBase(big.NewInt(1)).String())
}

func TestMulRatFloors(t *testing.T) {
	// 100/400 of a 24-token emission is exactly 6 tokens.
	share := new(big.Rat).SetFrac64(100, 400)
	got := FromTokens(24).MulRat(share)
	require.Equal(t, 0, got.Cmp(FromTokens(6)))

	// 1/3 of one base unit floors to zero.
	third := new(big.Rat).SetFrac64(1, 3)
	require.True(t, MustFromBase(big.NewInt(1)).MulRat(third).IsZero())

	// 7/3 tokens floors at the base-unit boundary.
	floor := FromTokens(7).MulRat(third)
	require.Equal(t, "2333333333333333333", floor.BaseUnits().Text(10))
}

func TestAddSub(t *testing.T) {
	sum := FromTokens(1).Add(FromTokens(2))
	require.Equal(t, 0, sum.Cmp(FromTokens(3)))

	diff, err := FromTokens(3).Sub(FromTokens(1))
	require.NoError(t, err)
	require.Equal(t, 0, diff.Cmp(FromTokens(2)))

	_, err = FromTokens(1).Sub(FromTokens(2))
	require.Error(t, err)
}

func TestStoredFormOrdersLexicographically(t *testing.T) {
	small, err := FromTokens(50).Value()
	require.NoError(t, err)
	large, err := FromTokens(100).Value()
	require.NoError(t, err)
	require.Len(t, small.(string), storeWidth)
	require.Len(t, large.(string), storeWidth)
	require.Less(t, small.(string), large.(string))
}

func TestValueScanRoundtrip(t *testing.T) {
	orig := MustParse("1234.000000000000000567")
	stored, err := orig.Value()
	require.NoError(t, err)

	var back Amount
	require.NoError(t, back.Scan(stored))
	require.Equal(t, 0, back.Cmp(orig))

	var fromBytes Amount
	require.NoError(t, fromBytes.Scan([]byte("42")))
	require.Equal(t, "42", fromBytes.BaseUnits().Text(10))

	var fromNull Amount
	require.NoError(t, fromNull.Scan(nil))
	require.True(t, fromNull.IsZero())

	var bad Amount
	require.Error(t, bad.Scan("not-a-number"))
}

func TestJSONRoundtrip(t *testing.T) {
	var fromNumber Amount
	require.NoError(t, json.Unmarshal([]byte(`12.5`), &fromNumber))
	require.Equal(t, 0, fromNumber.Cmp(MustParse("12.5")))

	var fromString Amount
	require.NoError(t, json.Unmarshal([]byte(`"0.25"`), &fromString))
	require.Equal(t, 0, fromString.Cmp(MustParse("0.25")))

	out, err := json.Marshal(MustParse("12.5"))
	require.NoError(t, err)
	require.Equal(t, `"12.5"`, string(out))
}
