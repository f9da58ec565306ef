package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		display string
	}{
		{"stars", Stars(350), "350⭐"},
		{"zero stars", Zero("XTR"), "0⭐"},
		{"usd", USD(4900), "$49.00"},
		{"negative usd", USD(-150), "$-1.50"},
		{"unknown currency", Money{Amount: 1234, Currency: "chf"}, "CHF 12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.display, tt.money.String())
		})
	}
}

func TestMoneyPercent(t *testing.T) {
	tests := []struct {
		amount int64
		pct    int64
		want   int64
	}{
		{350, 10, 35},
		{199, 10, 19},
		{99, 10, 9},
		{700, 0, 0},
		{150, 100, 150},
	}

	for _, tt := range tests {
		assert.Equal(t, Stars(tt.want), Stars(tt.amount).Percent(tt.pct))
	}
}

func TestMoneyArithmetic(t *testing.T) {
	assert.Equal(t, Stars(549), Stars(199).Add(Stars(350)))
	assert.Equal(t, Stars(300), Stars(100).Multiply(3))
	assert.Equal(t, Stars(1249), Sum(CurrencyXTR, Stars(199), Stars(350), Stars(700)))
	assert.True(t, Sum(CurrencyXTR).IsZero())
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	assert.Panics(t, func() { _ = Stars(100).Add(USD(100)) })
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(Stars(99))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":99,"currency":"xtr","display":"99⭐"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":99,"currency":"XTR"}`), &back))
	assert.Equal(t, Stars(99), back)
}

func TestEntityTouch(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	e := NewEntity(created)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)

	e.Touch(created.Add(time.Hour))
	assert.Equal(t, created.Add(time.Hour).UTC(), e.UpdatedAt)
	assert.Equal(t, created.UTC(), e.CreatedAt)
}
