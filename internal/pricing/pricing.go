// Package pricing computes discounted attestation prices in base units and
// decides whether a received payment is sufficient.
package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"attestd/internal/policy"
)

// PriceTimeout is how long a quoted price stays valid once attached to a
// receiving address. A payment arriving later is judged against a fresh quote.
const PriceTimeout = 3 * 24 * time.Hour

// DiscountSource reports the per-identity discount percentage (0..100).
type DiscountSource interface {
	Discount(ctx context.Context, account string) (float64, error)
}

// Converter turns a USD amount into ledger base units.
type Converter interface {
	BaseUnits(usd float64) (int64, error)
}

// Quote is one discounted price computation.
type Quote struct {
	PriceUSD        float64
	DiscountPercent float64
	DiscountedUSD   float64 // rounded to cents, for display
	BaseUnits       int64   // converted from the unrounded discounted price
}

// Engine quotes prices from policy, discounts, and the conversion collaborator.
type Engine struct {
	policy    *policy.Policy
	discounts DiscountSource
	converter Converter
	now       func() time.Time
}

// New constructs a pricing engine.
func New(p *policy.Policy, discounts DiscountSource, converter Converter) *Engine {
	return &Engine{policy: p, discounts: discounts, converter: converter, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Quote computes the discounted price for one identity and provider.
func (e *Engine) Quote(ctx context.Context, account, provider string) (Quote, error) {
	base := e.policy.BasePriceUSD(provider)
	discount := 0.0
	if e.discounts != nil {
		d, err := e.discounts.Discount(ctx, account)
		if err != nil {
			return Quote{}, fmt.Errorf("pricing: discount lookup: %w", err)
		}
		if d > 0 && d <= 100 {
			discount = d
		}
	}
	usd := base * (1 - discount/100)
	units, err := e.converter.BaseUnits(usd)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: convert %.4f USD: %w", usd, err)
	}
	return Quote{
		PriceUSD:        base,
		DiscountPercent: discount,
		DiscountedUSD:   math.Round(usd*100) / 100,
		BaseUnits:       units,
	}, nil
}

// Stale reports whether a price quoted at quotedAt has expired.
func (e *Engine) Stale(quotedAt time.Time) bool {
	return e.now().Sub(quotedAt) > PriceTimeout
}

// Acceptable decides whether a received amount pays for the cycle. A fresh
// quote is judged against the stored price; a stale one against the current
// re-quote. It returns the price the payment was judged against.
func (e *Engine) Acceptable(received, quoted int64, quotedAt time.Time, current int64) (bool, int64) {
	expected := quoted
	if e.Stale(quotedAt) {
		expected = current
	}
	return received >= expected, expected
}

// RateConverter converts USD to base units from a fixed exchange rate
// (USD per whole coin, with unitsPerCoin base units in a coin).
type RateConverter struct {
	USDPerCoin   float64
	UnitsPerCoin int64
}

// BaseUnits implements Converter using exact big.Rat arithmetic.
func (c RateConverter) BaseUnits(usd float64) (int64, error) {
	if c.USDPerCoin <= 0 || c.UnitsPerCoin <= 0 {
		return 0, fmt.Errorf("pricing: conversion rate not configured")
	}
	if usd < 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, fmt.Errorf("pricing: invalid usd amount %v", usd)
	}
	amount := new(big.Rat).SetFloat64(usd)
	rate := new(big.Rat).SetFloat64(c.USDPerCoin)
	units := new(big.Rat).Quo(amount, rate)
	units.Mul(units, new(big.Rat).SetInt64(c.UnitsPerCoin))
	// Round half up to a whole base unit.
	num := new(big.Int).Mul(units.Num(), big.NewInt(2))
	num.Add(num, units.Denom())
	den := new(big.Int).Mul(units.Denom(), big.NewInt(2))
	out := new(big.Int).Quo(num, den)
	if !out.IsInt64() {
		return 0, fmt.Errorf("pricing: converted amount overflows")
	}
	return out.Int64(), nil
}
