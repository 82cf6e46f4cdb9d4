package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

func calc(t *testing.T, expr string) (string, error) {
	t.Helper()
	return NewCalculator().Invoke(context.Background(), map[string]any{"expression": expr})
}

func TestCalculatorBasicArithmetic(t *testing.T) {
	cases := map[string]string{
		"2 + 3 * 4":       "14",
		"(2 + 3) * 4":     "20",
		"10 / 4":          "2.5",
		"10 // 4":         "2",
		"10 % 3":          "1",
		"2 ** 10":         "1024",
		"-5 + 3":          "-2",
		"abs(-7)":         "7",
		"round(2.6)":      "3",
		"min(3, 1, 2)":    "1",
		"max(3, 1, 2)":    "3",
		"sum(1, 2, 3, 4)": "10",
		"sqrt(144)":       "12",
	}
	for expr, want := range cases {
		got, err := calc(t, expr)
		require.NoError(t, err, "expression %q", expr)
		assert.Equal(t, want, got, "expression %q", expr)
	}
}

func TestCalculatorRejectsNonWhitelistedInput(t *testing.T) {
	exprs := []string{
		"__import__('os').system('ls')",
		"x + 1",
		"eval(1)",
		"open('/etc/passwd')",
		"1; 2",
		"[1, 2]",
		"'string'",
		"pow(2, 3)", // not in the function whitelist
	}
	for _, expr := range exprs {
		_, err := calc(t, expr)
		require.Error(t, err, "expression %q must be rejected", expr)
		assert.True(t, apperr.Is(err, apperr.KindToolInputRejected), "expression %q: want TOOL_INPUT_REJECTED, got %v", expr, err)
	}
}

func TestCalculatorDivisionByZero(t *testing.T) {
	for _, expr := range []string{"1 / 0", "1 // 0", "1 % 0"} {
		_, err := calc(t, expr)
		assert.Error(t, err, "expression %q", expr)
	}
}

func TestCalculatorPowerIsRightAssociative(t *testing.T) {
	got, err := calc(t, "2 ** 3 ** 2")
	require.NoError(t, err)
	assert.Equal(t, "512", got)
}

func TestCalculatorRejectionIsVisibleThroughRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewCalculator()))

	_, err := reg.Invoke(context.Background(), "calculate", map[string]any{"expression": "__import__('os')"})
	require.Error(t, err)
	// The registry preserves the rejection kind so the agent loop can
	// surface it as assistant-visible text and keep going.
	assert.True(t, apperr.Is(err, apperr.KindToolInputRejected))
}
