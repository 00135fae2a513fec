package events

// Topic constants for payment lifecycle events emitted by the settlement engine.
const (
	TopicPaymentSubmitted = "payment.submitted"
	TopicPaymentRejected  = "payment.rejected"
	TopicPaymentVoided    = "payment.voided"
	TopicSaleClosed       = "sale.closed"
	TopicSaleReopened     = "sale.reopened"
)
