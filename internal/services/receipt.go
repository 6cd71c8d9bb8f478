package services

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"trustedge_backend/internal/models"
)

const receiptTemplate = `<!doctype html>
<html><head><meta charset="utf-8"><title>Payment Receipt</title></head>
<body style="font-family:Arial,Helvetica,sans-serif;line-height:1.5">
  <h2 style="margin-bottom:0">TrustEdge Bank</h2>
  <div style="color:#555;margin-top:2px">Payment Receipt</div>
  <hr>
  <p><b>Borrower:</b> {{.BorrowerName}}</p>
  <p><b>Loan ID:</b> {{.LoanID}} &nbsp; <b>Application ID:</b> {{.ApplicationID}}</p>
  <p><b>Principal:</b> {{.Principal}} &nbsp; <b>APR:</b> {{.APR}} &nbsp; <b>Term:</b> {{.TermMonths}} months</p>
  <p><b>Installment:</b> #{{.SequenceIndex}} &nbsp; <b>Due Date:</b> {{.DueDate}}</p>
  <p><b>Amount Due:</b> {{.AmountDue}} &nbsp; <b>Amount Paid:</b> {{.AmountPaid}}</p>
  <p><b>Captured:</b> {{.CapturedAmount}} {{.Currency}} &nbsp; <b>Paid At:</b> {{.PaidAt}}</p>
  <hr>
  <p>Thank you for your payment.</p>
</body></html>`

var receiptTmpl = template.Must(template.New("receipt").Parse(receiptTemplate))

type receiptData struct {
	BorrowerName   string
	LoanID         uint
	ApplicationID  uint
	Principal      string
	APR            string
	TermMonths     int
	SequenceIndex  int
	DueDate        string
	AmountDue      string
	AmountPaid     string
	CapturedAmount string
	Currency       string
	PaidAt         string
}

// ReceiptService renders capture receipts under the media root so they are
// retrievable at a stable /media path.
type ReceiptService struct {
	mediaRoot string
}

func NewReceiptService() *ReceiptService {
	root := os.Getenv("MEDIA_ROOT")
	if root == "" {
		root = "./media"
	}
	return &ReceiptService{mediaRoot: root}
}

// Emit writes the receipt artifact for a captured payment and records the
// reference on the repayment. The artifact name derives from the payment id,
// so emitting twice for the same capture returns the same reference instead
// of creating a duplicate.
func (s *ReceiptService) Emit(tx *gorm.DB, loan *models.Loan, rep *models.Repayment, payment *models.Payment, borrower *models.User) (string, error) {
	rel := fmt.Sprintf("receipts/receipt-%d.html", payment.ID)
	ref := "/media/" + rel
	if rep.ReceiptReference == ref {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Join(s.mediaRoot, "receipts"), 0o755); err != nil {
		return "", fmt.Errorf("create receipts dir: %w", err)
	}

	name := borrower.FullName
	if name == "" {
		name = borrower.Email
	}

	data := receiptData{
		BorrowerName:   name,
		LoanID:         loan.ID,
		ApplicationID:  loan.ApplicationID,
		Principal:      fmt.Sprintf("%.2f", loan.Principal),
		APR:            fmt.Sprintf("%.2f%%", loan.InterestRate*100),
		TermMonths:     loan.DurationMonths,
		SequenceIndex:  rep.SequenceIndex,
		DueDate:        rep.DueDate.Format("2006-01-02"),
		AmountDue:      fmt.Sprintf("%.2f", rep.AmountDue),
		AmountPaid:     fmt.Sprintf("%.2f", rep.AmountPaid),
		CapturedAmount: fmt.Sprintf("%.2f", payment.Amount),
		Currency:       strings.ToUpper(payment.Currency),
		PaidAt:         time.Now().UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := receiptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render receipt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.mediaRoot, rel), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}

	if err := tx.Model(rep).Update("receipt_reference", ref).Error; err != nil {
		return "", err
	}
	rep.ReceiptReference = ref
	return ref, nil
}
