package domain

import "time"

// Book is a seller's listing. Available flips to false when an order
// is created for it and back to true when that order is cancelled or
// refunded; the flips happen inside the order store's transactions.
type Book struct {
	ID         string
	SellerID   string
	Title      string
	PriceCents int64
	Available  bool
	CreatedAt  time.Time
}
