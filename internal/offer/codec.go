// Package offer implements extraction of a structured price/quantity offer
// from a seller's free-text output, and clamping of that offer to the
// seller's private inventory constraints.
package offer

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/student/negotiatord/internal/negotiation"
)

// Raw is the unvalidated price/quantity pair extracted from text, prior to
// clamping against an InventoryItem.
type Raw struct {
	Price    float64
	Quantity int
}

// Extraction patterns are tried in this fixed order: a fenced ```offer
// {...}``` block, an "Offer: {...}" prefix, then a bare {"offer":{...}}
// object anywhere in the text. Each pattern is exhausted (in text order)
// before falling through to the next.
var (
	offerFenceRe  = regexp.MustCompile("(?is)```offer\\s*(\\{[^`]+\\})\\s*```")
	offerPrefixRe = regexp.MustCompile(`(?i)Offer:\s*(\{[^}]+\})`)
	offerBlockRe  = regexp.MustCompile(`(?is)\{[^{}]*"offer"[^{}]*\{[^{}]*\}[^{}]*\}`)
)

type wireEnvelope struct {
	Offer *wireOffer `json:"offer"`
}

type wireOffer struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

// rawFromWireOffer validates and converts a decoded wireOffer, rejecting
// non-numeric, NaN/Inf, or non-integer quantity values.
func rawFromWireOffer(o wireOffer) (Raw, bool) {
	price, err := o.Price.Float64()
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return Raw{}, false
	}
	qtyFloat, err := o.Quantity.Float64()
	if err != nil || math.IsNaN(qtyFloat) || math.IsInf(qtyFloat, 0) {
		return Raw{}, false
	}
	quantity := int(qtyFloat)
	if float64(quantity) != qtyFloat {
		return Raw{}, false // not an integer
	}
	return Raw{Price: price, Quantity: quantity}, true
}

// decodeFlatOffer parses a {"price":...,"quantity":...} object with no
// "offer" wrapper key, as produced by the fence and prefix patterns.
func decodeFlatOffer(candidate string) (Raw, bool) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var o wireOffer
	if err := dec.Decode(&o); err != nil {
		return Raw{}, false
	}
	return rawFromWireOffer(o)
}

// Extract scans raw seller output for the first offer block that parses
// and yields a numeric price and integer quantity, trying the fence,
// prefix, and bare-block patterns in that order. It does not clamp; call
// Clamp on the result against the seller's InventoryItem.
func Extract(text string) (Raw, bool) {
	for _, m := range offerFenceRe.FindAllStringSubmatch(text, -1) {
		if raw, ok := decodeFlatOffer(m[1]); ok {
			return raw, true
		}
	}
	for _, m := range offerPrefixRe.FindAllStringSubmatch(text, -1) {
		if raw, ok := decodeFlatOffer(m[1]); ok {
			return raw, true
		}
	}
	for _, candidate := range offerBlockRe.FindAllString(text, -1) {
		dec := json.NewDecoder(strings.NewReader(candidate))
		dec.UseNumber()
		var env wireEnvelope
		if err := dec.Decode(&env); err != nil || env.Offer == nil {
			continue
		}
		if raw, ok := rawFromWireOffer(*env.Offer); ok {
			return raw, true
		}
	}
	return Raw{}, false
}

// Natural-language fallback patterns, tried in order, for
// ExtractPriceQuantityFromText.
var (
	dollarPriceRe  = regexp.MustCompile(`(?i)\$\s*(\d+(?:\.\d{2})?)`)
	usdPriceRe     = regexp.MustCompile(`(?i)(\d+(?:\.\d{2})?)\s*(?:USD|dollars?)`)
	labeledPriceRe = regexp.MustCompile(`(?i)price[:\s]+\$?\s*(\d+(?:\.\d{2})?)`)

	unitsQuantityRe   = regexp.MustCompile(`(?i)(\d+)\s+units?`)
	labeledQuantityRe = regexp.MustCompile(`(?i)quantity[:\s]+(\d+)`)
	piecesQuantityRe  = regexp.MustCompile(`(?i)(\d+)\s+pieces?`)
)

// ExtractPriceQuantityFromText recovers a loose price/quantity pair from
// natural-language seller output (e.g. "$10.50 for 100 units") when no
// structured offer block is present. It is disabled by default: no
// SellerAgent call path invokes it, since the core OfferCodec contract
// only recognizes structured JSON offers; a caller must opt in explicitly.
func ExtractPriceQuantityFromText(text string) (price float64, quantity int, ok bool) {
	p, priceOK := firstFloatMatch(text, dollarPriceRe, usdPriceRe, labeledPriceRe)
	q, qtyOK := firstIntMatch(text, unitsQuantityRe, labeledQuantityRe, piecesQuantityRe)
	if !priceOK || !qtyOK {
		return 0, 0, false
	}
	return p, q, true
}

func firstFloatMatch(text string, patterns ...*regexp.Regexp) (float64, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

func firstIntMatch(text string, patterns ...*regexp.Regexp) (int, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// Clamp applies spec-mandated clamping and rejects offers that remain
// invalid afterward (e.g. zero inventory).
func Clamp(raw Raw, item negotiation.InventoryItem) (Raw, bool) {
	if raw.Price <= 0 || raw.Quantity <= 0 {
		return Raw{}, false
	}

	price := raw.Price
	if price < item.LeastPrice {
		price = item.LeastPrice
	}
	if price > item.SellingPrice {
		price = item.SellingPrice
	}

	quantity := raw.Quantity
	if quantity < 1 {
		quantity = 1
	}
	if quantity > item.QuantityAvailable {
		quantity = item.QuantityAvailable
	}

	if item.QuantityAvailable < 1 {
		return Raw{}, false
	}
	if price < item.LeastPrice || price > item.SellingPrice {
		return Raw{}, false
	}

	return Raw{Price: price, Quantity: quantity}, true
}

// ExtractAndClamp runs Extract then Clamp, returning ok=false if either step
// fails; this is the entry point SellerAgent calls after sanitization.
func ExtractAndClamp(text string, item negotiation.InventoryItem) (Raw, bool) {
	raw, ok := Extract(text)
	if !ok {
		return Raw{}, false
	}
	return Clamp(raw, item)
}
