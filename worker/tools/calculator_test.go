package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2 + 3", "5"},
		{"12*7", "84"},
		{"(1 + 2) * 3", "9"},
		{"10 / 4", "2.5"},
		{"-3 + 5", "2"},
		{"1.5 * 2", "3"},
		{"7 - 10", "-3"},
		{"1 / 3", "0.333333333333"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatNumber(v))
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	for _, expr := range []string{"", "2 +", "os.Exit(1)", "1/0", "2 ** 3", "(1"} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr)
			assert.Error(t, err)
		})
	}
}
