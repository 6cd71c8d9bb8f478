package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// PaymentGateway identifies which processor produced a payment or event
type PaymentGateway string

const (
	PaymentGatewayMidtrans PaymentGateway = "midtrans"
	PaymentGatewayManual   PaymentGateway = "manual"
)

// PaymentEvent is the audit trail of gateway callbacks. Every notification is
// persisted verbatim before any state is touched, so disputes can be replayed
// against what the gateway actually sent.
type PaymentEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	PaymentGateway    PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	ExternalReference string          `gorm:"type:varchar(100);index" json:"external_reference"`
	TransactionStatus string          `gorm:"type:varchar(50)" json:"transaction_status"`
	Payload           json.RawMessage `gorm:"type:jsonb" json:"payload"`
}
