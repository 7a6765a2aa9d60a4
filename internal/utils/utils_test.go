package utils

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test_ValidateCoin tests the ValidateCoin function with various inputs
func Test_ValidateCoin(t *testing.T) {
	tests := []struct {
		name        string
		coin        string
		expectError bool
		errorMsg    string
		description string
	}{
		{
			name:        "Perp coin",
			coin:        "BTC",
			description: "Should accept a plain perp coin",
		},
		{
			name:        "Spot pair",
			coin:        "PURR/USDC",
			description: "Should accept a slash separated spot pair",
		},
		{
			name:        "Spot index",
			coin:        "@107",
			description: "Should accept an index spot coin",
		},
		{
			name:        "Empty coin",
			coin:        "",
			expectError: true,
			errorMsg:    "coin cannot be empty",
			description: "Should reject empty coin",
		},
		{
			name:        "Whitespace coin",
			coin:        "   ",
			expectError: true,
			errorMsg:    "coin cannot be empty",
			description: "Should reject whitespace coin",
		},
		{
			name:        "Invalid character",
			coin:        "BTC USD",
			expectError: true,
			errorMsg:    "invalid character",
			description: "Should reject coins with spaces",
		},
		{
			name:        "Too long",
			coin:        "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
			expectError: true,
			errorMsg:    "exceeds",
			description: "Should reject overly long coins",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoin(tt.coin)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Contains(t, err.Error(), tt.errorMsg, "Error message should contain expected text")
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}

	assert.True(t, errors.Is(ValidateCoin(""), ErrEmptyCoin))
}

func Test_Clamp(t *testing.T) {
	assert.Equal(t, 0.5, Clamp(0.1, 0.5, 10))
	assert.Equal(t, 10.0, Clamp(11, 0.5, 10))
	assert.Equal(t, 3.0, Clamp(3, 0.5, 10))
	assert.Equal(t, 0.5, Clamp(math.NaN(), 0.5, 10))
}

func Test_SnapInt(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{in: 0, want: 5},
		{in: 5, want: 5},
		{in: 7, want: 5},
		{in: 8, want: 10},
		{in: 62, want: 60},
		{in: 120, want: 120},
		{in: 500, want: 120},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapInt(tt.in, 5, 120, 5), "SnapInt(%d)", tt.in)
	}
}

func Test_IsFinite(t *testing.T) {
	assert.True(t, IsFinite(1.5))
	assert.False(t, IsFinite(math.Inf(1)))
	assert.False(t, IsFinite(math.NaN()))
}
