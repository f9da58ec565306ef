package payment_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota/payment"
)

const nonce = "0f8fad5bd9cb469fa16570867728950e"

func TestNewPayloadRoundTrip(t *testing.T) {
	for _, p := range []payment.Product{
		{Kind: payment.KindSubscription, Key: "pro"},
		{Kind: payment.KindTopUp, Key: "50"},
	} {
		payload := payment.NewPayload(p.Kind, p.Key)
		assert.True(t, strings.HasPrefix(payload, p.String()+":"), payload)

		got, err := payment.ParsePayload(payload)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	assert.NotEqual(t,
		payment.NewPayload(payment.KindTopUp, "10"),
		payment.NewPayload(payment.KindTopUp, "10"))
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    payment.Product
		wantErr bool
	}{
		{payload: "sub_premium:" + nonce, want: payment.Product{Kind: payment.KindSubscription, Key: "premium"}},
		{payload: "topup_10:" + nonce, want: payment.Product{Kind: payment.KindTopUp, Key: "10"}},
		{payload: "sub_pro", wantErr: true},
		{payload: "sub_pro:", wantErr: true},
		{payload: "sub_pro:not-a-nonce", wantErr: true},
		{payload: "sub_:" + nonce, wantErr: true},
		{payload: "gift_pro:" + nonce, wantErr: true},
		{payload: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := payment.ParsePayload(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, payment.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
