package domain

const (
	CommandCreateOrder  = "CreateOrder"
	CommandAddItem      = "AddItem"
	CommandConfirmOrder = "ConfirmOrder"
	CommandMarkShipped  = "MarkShipped"
	CommandCloseOrder   = "CloseOrder"
	CommandCancelOrder  = "CancelOrder"
)

type CreateOrder struct {
	CustomerID      string `json:"customer_id"`
	Currency        string `json:"currency"`
	ShippingAddress string `json:"shipping_address"`
}

func (CreateOrder) CommandName() string { return CommandCreateOrder }

type AddItem struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

func (AddItem) CommandName() string { return CommandAddItem }

// ConfirmOrder freezes the order and hands it to fulfillment.
type ConfirmOrder struct {
	PaymentToken string `json:"payment_token"`
}

func (ConfirmOrder) CommandName() string { return CommandConfirmOrder }

type MarkShipped struct {
	Tracking string `json:"tracking"`
}

func (MarkShipped) CommandName() string { return CommandMarkShipped }

type CloseOrder struct{}

func (CloseOrder) CommandName() string { return CommandCloseOrder }

// CancelOrder is accepted until the order ships; cancelling twice is a no-op.
type CancelOrder struct {
	Reason string `json:"reason"`
}

func (CancelOrder) CommandName() string { return CommandCancelOrder }
