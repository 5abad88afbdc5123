package offer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/student/negotiatord/internal/negotiation"
)

func item() negotiation.InventoryItem {
	return negotiation.InventoryItem{
		ItemID:            "widget",
		ItemName:          "Widget",
		CostPrice:         5,
		SellingPrice:      20,
		LeastPrice:        8,
		QuantityAvailable: 10,
	}
}

func TestExtract_firstValidCandidateInTextOrder(t *testing.T) {
	text := `not json {"offer": {"price": "bad", "quantity": 1}} then {"offer": {"price": 12, "quantity": 3}} done`
	raw, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, 12.0, raw.Price)
	assert.Equal(t, 3, raw.Quantity)
}

func TestExtract_noOfferPresent(t *testing.T) {
	_, ok := Extract("just a plain message with no structured data")
	assert.False(t, ok)
}

func TestExtract_rejectsNonIntegerQuantity(t *testing.T) {
	_, ok := Extract(`{"offer": {"price": 10, "quantity": 2.5}}`)
	assert.False(t, ok)
}

func TestClamp_clampsPriceAndQuantityWithinRange(t *testing.T) {
	out, ok := Clamp(Raw{Price: 100, Quantity: 50}, item())
	require.True(t, ok)
	assert.Equal(t, 20.0, out.Price)
	assert.Equal(t, 10, out.Quantity)
}

func TestClamp_clampsBelowFloor(t *testing.T) {
	out, ok := Clamp(Raw{Price: 1, Quantity: 1}, item())
	require.True(t, ok)
	assert.Equal(t, 8.0, out.Price)
	assert.Equal(t, 1, out.Quantity)
}

func TestClamp_rejectsWhenNoQuantityAvailable(t *testing.T) {
	it := item()
	it.QuantityAvailable = 0
	_, ok := Clamp(Raw{Price: 10, Quantity: 1}, it)
	assert.False(t, ok)
}

func TestClamp_rejectsNonPositiveInputs(t *testing.T) {
	_, ok := Clamp(Raw{Price: -5, Quantity: 2}, item())
	assert.False(t, ok)
}

func TestExtractAndClamp_endToEnd(t *testing.T) {
	text := `I can do this: {"offer": {"price": 99, "quantity": 4}}`
	out, ok := ExtractAndClamp(text, item())
	require.True(t, ok)
	assert.Equal(t, 20.0, out.Price)
	assert.Equal(t, 4, out.Quantity)
}

func TestExtract_fencedOfferBlockWins(t *testing.T) {
	text := "Sure, here's my offer:\n```offer\n{\"price\": 11.5, \"quantity\": 6}\n```\nlet me know"
	raw, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, 11.5, raw.Price)
	assert.Equal(t, 6, raw.Quantity)
}

func TestExtract_offerPrefixBlock(t *testing.T) {
	text := `Offer: {"price": 14, "quantity": 2}`
	raw, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, 14.0, raw.Price)
	assert.Equal(t, 2, raw.Quantity)
}

func TestExtract_fencePatternTriedBeforeBareBlock(t *testing.T) {
	text := "```offer\n{\"price\": 5, \"quantity\": 1}\n```\n{\"offer\": {\"price\": 99, \"quantity\": 9}}"
	raw, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, 5.0, raw.Price)
	assert.Equal(t, 1, raw.Quantity)
}

func TestExtractPriceQuantityFromText_dollarAndUnits(t *testing.T) {
	price, quantity, ok := ExtractPriceQuantityFromText("I can do $10.50 for 100 units")
	require.True(t, ok)
	assert.Equal(t, 10.50, price)
	assert.Equal(t, 100, quantity)
}

func TestExtractPriceQuantityFromText_missingEither(t *testing.T) {
	_, _, ok := ExtractPriceQuantityFromText("sounds good, let me think about it")
	assert.False(t, ok)
}
