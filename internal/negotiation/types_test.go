package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_VisibleTo_broadcastAll(t *testing.T) {
	m := Message{SenderType: SenderBuyer, SenderID: "buyer", Visibility: []string{VisibilityAll}}
	assert.True(t, m.VisibleTo("seller-a"))
	assert.True(t, m.VisibleTo("seller-b"))
}

func TestMessage_VisibleTo_scopedToOneSeller(t *testing.T) {
	m := Message{SenderType: SenderBuyer, SenderID: "buyer", Visibility: []string{SellerScope("seller-a")}}
	assert.True(t, m.VisibleTo("seller-a"))
	assert.False(t, m.VisibleTo("seller-b"))
}

func TestMessage_VisibleTo_sellerAlwaysSeesOwnOutput(t *testing.T) {
	m := Message{SenderType: SenderSeller, SenderID: "seller-a", Visibility: []string{SellerScope("seller-a")}}
	assert.True(t, m.VisibleTo("seller-a"))
	assert.False(t, m.VisibleTo("seller-b"))
}

func TestSellerScope_formatsConsistently(t *testing.T) {
	assert.Equal(t, "seller:seller-a", SellerScope("seller-a"))
	assert.NotEqual(t, SellerScope("seller-a"), SellerScope("seller-b"))
}

func TestMessage_VisibleTo_emptyVisibilityNotVisible(t *testing.T) {
	m := Message{SenderType: SenderBuyer, SenderID: "buyer"}
	assert.False(t, m.VisibleTo("seller-a"))
}
