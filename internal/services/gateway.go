package services

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"os"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
)

// PaymentState summarizes the gateway-side view of a card transaction.
type PaymentState string

const (
	GatewayStatePending    PaymentState = "pending"
	GatewayStateAuthorized PaymentState = "authorized"
	GatewayStateCaptured   PaymentState = "captured"
	GatewayStateFailed     PaymentState = "failed"
)

// AuthorizeRequest asks the gateway to place a hold on the borrower's card.
type AuthorizeRequest struct {
	OrderID       string
	Amount        float64
	Currency      string
	CardToken     string
	CustomerName  string
	CustomerEmail string
	Description   string
}

// AuthorizeResult carries what the borrower's client needs to finish the
// card handshake.
type AuthorizeResult struct {
	ExternalReference string
	// ClientSecret is the 3DS challenge URL when the issuer demands one;
	// empty for frictionless authorizations.
	ClientSecret string
	// Authorized is true when the hold landed without a challenge.
	Authorized bool
}

// StatusResult reports the gateway's current view of a transaction.
type StatusResult struct {
	State     PaymentState
	RawStatus string
}

// CaptureResult reports the amount the gateway actually captured.
type CaptureResult struct {
	CapturedAmount float64
}

// CardGateway is the card-network collaborator the payment lifecycle talks
// to. Implementations must return *ExternalError for any gateway-side
// failure so callers can keep local state untouched.
type CardGateway interface {
	Authorize(req AuthorizeRequest) (*AuthorizeResult, error)
	Status(externalRef string) (*StatusResult, error)
	Capture(externalRef string, amount float64) (*CaptureResult, error)
	Void(externalRef string) error
}

// MidtransGateway implements CardGateway on the midtrans Core API using
// manual-capture card charges: charge type "authorize" places the hold,
// capture/cancel settle or release it.
type MidtransGateway struct {
	core      coreapi.Client
	serverKey string
}

func NewMidtransGateway() *MidtransGateway {
	serverKey := os.Getenv("MIDTRANS_SERVER_KEY")
	clientKey := os.Getenv("MIDTRANS_CLIENT_KEY")

	env := midtrans.Sandbox
	if os.Getenv("MIDTRANS_IS_PRODUCTION") == "true" {
		env = midtrans.Production
	}

	var c coreapi.Client
	c.New(serverKey, env)

	midtrans.ServerKey = serverKey
	midtrans.ClientKey = clientKey
	midtrans.Environment = env

	return &MidtransGateway{core: c, serverKey: serverKey}
}

// MapTransactionStatus folds midtrans transaction/fraud statuses into the
// lifecycle's view of the gateway. The webhook handler uses the same mapping
// as the polling paths.
func MapTransactionStatus(transactionStatus, fraudStatus string) PaymentState {
	switch transactionStatus {
	case "authorize":
		if fraudStatus == "challenge" {
			return GatewayStatePending
		}
		return GatewayStateAuthorized
	case "capture", "settlement", "refund", "partial_refund":
		return GatewayStateCaptured
	case "deny", "cancel", "expire", "failure":
		return GatewayStateFailed
	default:
		return GatewayStatePending
	}
}

func (g *MidtransGateway) Authorize(req AuthorizeRequest) (*AuthorizeResult, error) {
	charge := &coreapi.ChargeReq{
		PaymentType: coreapi.PaymentTypeCreditCard,
		TransactionDetails: midtrans.TransactionDetails{
			OrderID: req.OrderID,
			// The gateway holds whole currency units; rounding up keeps the
			// hold covering the exact ledger amount captured later.
			GrossAmt: int64(math.Ceil(req.Amount)),
		},
		CreditCard: &coreapi.CreditCardDetails{
			TokenID:        req.CardToken,
			Authentication: true,
			Type:           "authorize",
		},
		CustomerDetails: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.OrderID,
				Name:  req.Description,
				Price: int64(math.Ceil(req.Amount)),
				Qty:   1,
			},
		},
	}

	resp, merr := g.core.ChargeTransaction(charge)
	if merr != nil {
		return nil, NewExternalError("midtrans", merr)
	}

	state := MapTransactionStatus(resp.TransactionStatus, resp.FraudStatus)
	if state == GatewayStateFailed {
		return nil, NewExternalError("midtrans", fmt.Errorf("charge %s: %s", resp.TransactionStatus, resp.StatusMessage))
	}

	return &AuthorizeResult{
		ExternalReference: resp.OrderID,
		ClientSecret:      resp.RedirectURL,
		Authorized:        state == GatewayStateAuthorized,
	}, nil
}

func (g *MidtransGateway) Status(externalRef string) (*StatusResult, error) {
	resp, merr := g.core.CheckTransaction(externalRef)
	if merr != nil {
		return nil, NewExternalError("midtrans", merr)
	}
	return &StatusResult{
		State:     MapTransactionStatus(resp.TransactionStatus, resp.FraudStatus),
		RawStatus: resp.TransactionStatus,
	}, nil
}

func (g *MidtransGateway) Capture(externalRef string, amount float64) (*CaptureResult, error) {
	status, merr := g.core.CheckTransaction(externalRef)
	if merr != nil {
		return nil, NewExternalError("midtrans", merr)
	}

	_, merr = g.core.CaptureTransaction(&coreapi.CaptureReq{
		TransactionID: status.TransactionID,
		GrossAmt:      amount,
	})
	if merr != nil {
		return nil, NewExternalError("midtrans", merr)
	}

	// The ledger credits the exact amount requested; the gateway's response
	// echoes it in whole units.
	return &CaptureResult{CapturedAmount: amount}, nil
}

func (g *MidtransGateway) Void(externalRef string) error {
	if _, merr := g.core.CancelTransaction(externalRef); merr != nil {
		return NewExternalError("midtrans", merr)
	}
	return nil
}

// VerifyWebhookSignature checks the sha512 signature midtrans attaches to
// payment notifications: sha512(order_id + status_code + gross_amount +
// server key).
func (g *MidtransGateway) VerifyWebhookSignature(orderID, statusCode, grossAmount, signatureKey string) bool {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + g.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureKey)) == 1
}
