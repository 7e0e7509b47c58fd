// Package payment buckets free-text payment labels into settlement channels.
package payment

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelCash       Channel = "CASH"
	ChannelElectronic Channel = "ELECTRONIC"
	ChannelOther      Channel = "OTHER"
)

var electronicTokens = []string{"PROMPT", "QR", "TRANSFER"}

// Classify is total over all strings. Surrounding whitespace is ignored; then
// only an exact CASH label counts as cash, and labels mentioning prompt-pay,
// QR or transfer are electronic.
func Classify(label string) Channel {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	if normalized == "" {
		return ChannelOther
	}
	if normalized == string(ChannelCash) {
		return ChannelCash
	}
	for _, token := range electronicTokens {
		if strings.Contains(normalized, token) {
			return ChannelElectronic
		}
	}
	return ChannelOther
}

// Totals accumulates bill count and channel split for a set of sales.
// OTHER amounts land in Total only, so Cash+Electronic <= Total always holds.
type Totals struct {
	Bills      int64
	Total      decimal.Decimal
	Cash       decimal.Decimal
	Electronic decimal.Decimal
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	VAT        decimal.Decimal
}

func (t *Totals) Add(amount decimal.Decimal, label string) {
	t.Bills++
	t.Total = t.Total.Add(amount)
	switch Classify(label) {
	case ChannelCash:
		t.Cash = t.Cash.Add(amount)
	case ChannelElectronic:
		t.Electronic = t.Electronic.Add(amount)
	}
}

// AddBreakdown folds the optional subtotal/discount/VAT figures.
func (t *Totals) AddBreakdown(subtotal, discount, vat decimal.Decimal) {
	t.Subtotal = t.Subtotal.Add(subtotal)
	t.Discount = t.Discount.Add(discount)
	t.VAT = t.VAT.Add(vat)
}
