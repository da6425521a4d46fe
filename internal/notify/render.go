package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

//go:embed templates/*.html
var templateFS embed.FS

// Format selects the document rendered for an order.
type Format string

const (
	FormatInvoice Format = "invoice"
	FormatReceipt Format = "receipt"
)

// ParseFormat maps a query value to a Format; anything unknown is an invoice.
func ParseFormat(s string) Format {
	if Format(s) == FormatReceipt {
		return FormatReceipt
	}
	return FormatInvoice
}

// Company is the seller block printed on documents.
type Company struct {
	Name     string
	Email    string
	Location string
}

type itemRow struct {
	Name      string
	Quantity  int
	UnitPrice string
	LineTotal string
}

type document struct {
	Company        Company
	Order          *orders.Order
	DocumentNumber string
	Date           string
	PaymentLabel   string
	MpesaReceipt   string
	Items          []itemRow
	Subtotal       string
	Shipping       string
	Total          string
}

// Renderer turns orders into HTML invoices and receipts.
type Renderer struct {
	company   Company
	templates *template.Template
	printer   *message.Printer
	loc       *time.Location
	now       func() time.Time
}

// NewRenderer parses the embedded document templates.
func NewRenderer(company Company) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse document templates: %w", err)
	}
	return &Renderer{
		company:   company,
		templates: tmpl,
		printer:   message.NewPrinter(language.English),
		loc:       time.FixedZone("EAT", 3*60*60),
		now:       time.Now,
	}, nil
}

// Invoice renders the line-itemised invoice.
func (r *Renderer) Invoice(o *orders.Order) (string, error) {
	doc := r.document(o, o.InvoiceNumber, o.CreatedAt)
	return r.execute("invoice.html", doc)
}

// Receipt renders the compact payment receipt. details may be nil; the
// settlement receipt then falls back to the one stored on the order.
func (r *Renderer) Receipt(o *orders.Order, details *orders.PaymentDetails) (string, error) {
	number := o.ReceiptNumber
	if number == "" {
		number = o.InvoiceNumber
	}
	doc := r.document(o, number, r.now())
	doc.MpesaReceipt = o.MpesaReceipt
	if details != nil && details.MpesaReceipt != "" {
		doc.MpesaReceipt = details.MpesaReceipt
	}
	return r.execute("receipt.html", doc)
}

// Render picks the document for format.
func (r *Renderer) Render(o *orders.Order, format Format) (string, error) {
	if format == FormatReceipt {
		return r.Receipt(o, nil)
	}
	return r.Invoice(o)
}

// KES formats an amount as "KES 1,234.5".
func (r *Renderer) KES(amount float64) string {
	return r.printer.Sprintf("KES %v", number.Decimal(amount, number.MaxFractionDigits(2)))
}

// document sums the line items for the subtotal but shows the stored total,
// which is what the customer was charged.
func (r *Renderer) document(o *orders.Order, docNumber string, date time.Time) document {
	rows := make([]itemRow, 0, len(o.Items))
	subtotal := decimal.Zero
	for _, it := range o.Items {
		subtotal = subtotal.Add(decimal.NewFromFloat(it.Price).Mul(decimal.NewFromInt(int64(it.Quantity))))
		rows = append(rows, itemRow{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: r.KES(it.Price),
			LineTotal: r.KES(it.Subtotal()),
		})
	}
	return document{
		Company:        r.company,
		Order:          o,
		DocumentNumber: docNumber,
		Date:           date.In(r.loc).Format("2 January 2006"),
		PaymentLabel:   paymentLabel(o.PaymentMethod),
		Items:          rows,
		Subtotal:       r.KES(subtotal.Round(2).InexactFloat64()),
		Shipping:       r.KES(0),
		Total:          r.KES(o.TotalAmount),
	}
}

func (r *Renderer) execute(name string, doc document) (string, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, doc); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func paymentLabel(m orders.PaymentMethod) string {
	switch m {
	case orders.MethodPayOnDelivery:
		return "Pay on Delivery"
	case orders.MethodMpesa:
		return "M-Pesa"
	case orders.MethodCard:
		return "Card"
	case orders.MethodBankTransfer:
		return "Bank Transfer"
	}
	return string(m)
}
