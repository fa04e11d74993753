package domain

type NotificationKind string

const (
	NotificationNewOrder         NotificationKind = "new_order"
	NotificationPaymentConfirmed NotificationKind = "payment_confirmed"
	NotificationSellerCommitted  NotificationKind = "seller_committed"
	NotificationCommitReminder   NotificationKind = "commit_reminder"
	NotificationOrderCollected   NotificationKind = "order_collected"
	NotificationOrderDelivered   NotificationKind = "order_delivered"
	NotificationOrderCancelled   NotificationKind = "order_cancelled"
	NotificationOrderRefunded    NotificationKind = "order_refunded"
)

// PaymentConfirmation is the gateway's verdict on a payment reference.
type PaymentConfirmation struct {
	Paid        bool
	AmountCents int64
}

// Settlement instructions recorded in the outbox alongside the
// transition that caused them. Always for the full order amount.

type PaymentReleaseRequested struct {
	OrderID     string `json:"order_id"`
	SellerID    string `json:"seller_id"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

type RefundRequested struct {
	OrderID     string `json:"order_id"`
	BuyerID     string `json:"buyer_id"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
	Reason      string `json:"reason"`
}

const (
	EventPaymentReleaseRequested = "PaymentReleaseRequested"
	EventRefundRequested         = "RefundRequested"
)
