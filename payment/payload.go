package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformedPayload is returned for a payload that does not follow
// "<product>:<nonce>".
var ErrMalformedPayload = errors.New("quota: malformed payment payload")

const (
	prefixSubscription = "sub_"
	prefixTopUp        = "topup_"
)

// Product is the catalog item a payload was issued for.
type Product struct {
	Kind Kind
	Key  string
}

// String renders the product part of a payload, e.g. "sub_pro".
func (p Product) String() string {
	if p.Kind == KindTopUp {
		return prefixTopUp + p.Key
	}
	return prefixSubscription + p.Key
}

// NewPayload issues a unique invoice payload such as
// "sub_pro:9f1c0e5b7a2d4c3e8b6a1f0d2c4e6a8b".
func NewPayload(kind Kind, key string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Product{Kind: kind, Key: key}.String() + ":" + nonce
}

// ParsePayload extracts the product from an invoice payload.
func ParsePayload(payload string) (Product, error) {
	product, nonce, ok := strings.Cut(payload, ":")
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	if _, err := uuid.Parse(nonce); err != nil {
		return Product{}, fmt.Errorf("%w: bad nonce in %q", ErrMalformedPayload, payload)
	}

	var p Product
	switch {
	case strings.HasPrefix(product, prefixSubscription):
		p = Product{Kind: KindSubscription, Key: strings.TrimPrefix(product, prefixSubscription)}
	case strings.HasPrefix(product, prefixTopUp):
		p = Product{Kind: KindTopUp, Key: strings.TrimPrefix(product, prefixTopUp)}
	default:
		return Product{}, fmt.Errorf("%w: unknown product %q", ErrMalformedPayload, product)
	}
	if p.Key == "" {
		return Product{}, fmt.Errorf("%w: empty product key in %q", ErrMalformedPayload, payload)
	}
	return p, nil
}
