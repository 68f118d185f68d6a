package ledger

// Company is the authenticated organization's own record.
type Company struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LegalName    string `json:"legal_name,omitempty"`
	TaxNumber    string `json:"tax_number,omitempty"`
	BaseCurrency string `json:"base_currency"`
	CountryCode  string `json:"country_code,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Contact is a customer or supplier.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // "customer" or "supplier"
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	TaxNumber string `json:"tax_number,omitempty"`
	Archived  bool   `json:"archived"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ContactCreate is the payload for creating a contact.
type ContactCreate struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	TaxNumber string `json:"tax_number,omitempty"`
}

// ContactsQuery narrows a contact listing. Zero values are omitted from
// the request.
type ContactsQuery struct {
	Search          string
	Type            string
	IncludeArchived bool
	Page            int
	PageSize        int
}

// LineItem is one line of an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitAmount  float64 `json:"unit_amount"`
	TaxRate     float64 `json:"tax_rate,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// Invoice is a sales invoice.
type Invoice struct {
	ID           string     `json:"id"`
	Number       string     `json:"number"`
	ContactID    string     `json:"contact_id"`
	Status       string     `json:"status"` // draft, submitted, paid, voided
	CurrencyCode string     `json:"currency_code"`
	IssueDate    string     `json:"issue_date"`
	DueDate      string     `json:"due_date,omitempty"`
	SubTotal     float64    `json:"sub_total"`
	TotalTax     float64    `json:"total_tax"`
	Total        float64    `json:"total"`
	LineItems    []LineItem `json:"line_items,omitempty"`
	CreatedAt    string     `json:"created_at,omitempty"`
	UpdatedAt    string     `json:"updated_at,omitempty"`
}

// InvoiceCreate is the payload for creating a draft invoice.
type InvoiceCreate struct {
	ContactID    string     `json:"contact_id"`
	CurrencyCode string     `json:"currency_code,omitempty"`
	IssueDate    string     `json:"issue_date,omitempty"`
	DueDate      string     `json:"due_date,omitempty"`
	Reference    string     `json:"reference,omitempty"`
	LineItems    []LineItem `json:"line_items"`
}

// InvoicesQuery narrows an invoice listing.
type InvoicesQuery struct {
	Status    string
	ContactID string
	DateFrom  string
	DateTo    string
	Page      int
	PageSize  int
}

// Pagination echoes the server-side paging of a listing.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// ContactsPage is one page of a contact listing.
type ContactsPage struct {
	Contacts   []Contact  `json:"contacts"`
	Pagination Pagination `json:"pagination"`
}

// InvoicesPage is one page of an invoice listing.
type InvoicesPage struct {
	Invoices   []Invoice  `json:"invoices"`
	Pagination Pagination `json:"pagination"`
}
