// Package mcpserver registers the MCP tools that expose the accounting
// API to a model. It adapts the auth manager, execution wrapper, and
// API client to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/alexjbarnes/ledger-mcp/internal/auth"
	"github.com/alexjbarnes/ledger-mcp/internal/executor"
	"github.com/alexjbarnes/ledger-mcp/internal/journal"
	"github.com/alexjbarnes/ledger-mcp/internal/ledger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// Deps carries everything the tool handlers need. All fields except
// Journal are required.
type Deps struct {
	Manager  *auth.Manager
	States   *auth.StateStore
	Confirms *auth.ConfirmationStore
	Exec     *executor.Executor
	Client   *ledger.Client
	Journal  *journal.Journal
}

// RegisterTools adds all accounting and auth tools to the given server.
func RegisterTools(server *mcp.Server, d *Deps) {
	registerAuthTools(server, d)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "company_get",
		Description: "Get the authenticated organization's company record: name, tax number, base currency.",
	}, companyGetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contacts_list",
		Description: "List contacts (customers and suppliers) with optional search, type filter, and paging. Archived contacts are excluded unless requested.",
	}, contactsListHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contact_get",
		Description: "Get a single contact by ID.",
	}, contactGetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contact_create",
		Description: "Create a contact. Type must be 'customer' or 'supplier'.",
	}, contactCreateHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contact_delete",
		Description: "Delete a contact. Destructive: the first call returns a confirmation token, call again with the same arguments plus the token to execute.",
	}, contactDeleteHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invoices_list",
		Description: "List invoices with optional status, contact, and issue-date range filters, plus paging.",
	}, invoicesListHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invoice_get",
		Description: "Get a single invoice by ID, including line items.",
	}, invoiceGetHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invoice_create",
		Description: "Create a draft invoice for a contact with one or more line items.",
	}, invoiceCreateHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invoice_delete",
		Description: "Delete a draft invoice. Destructive: the first call returns a confirmation token, call again with the same arguments plus the token to execute.",
	}, invoiceDeleteHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "api_request",
		Description: "Escape hatch: send an authenticated request to any accounting API path. Use the typed tools where one exists. Non-GET methods are treated as destructive and need the two-call confirmation handshake.",
	}, apiRequestHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ops_recent",
		Description: "Show the most recent remote operations from the local journal: outcome, attempts, duration.",
	}, opsRecentHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// CompanyGetInput has no parameters.
type CompanyGetInput struct{}

// ContactsListInput holds parameters for contacts_list.
type ContactsListInput struct {
	Search          string `json:"search,omitempty" jsonschema:"match against contact name and email"`
	Type            string `json:"type,omitempty" jsonschema:"filter by 'customer' or 'supplier'"`
	IncludeArchived bool   `json:"include_archived,omitempty" jsonschema:"include archived contacts, defaults to false"`
	Page            int    `json:"page,omitempty" jsonschema:"page number, 1-indexed"`
	PageSize        int    `json:"page_size,omitempty" jsonschema:"results per page, provider default when omitted"`
}

// ContactGetInput holds parameters for contact_get.
type ContactGetInput struct {
	ContactID string `json:"contact_id" jsonschema:"required,contact ID"`
}

// ContactCreateInput holds parameters for contact_create.
type ContactCreateInput struct {
	Name      string `json:"name" jsonschema:"required,contact display name"`
	Type      string `json:"type" jsonschema:"required,'customer' or 'supplier'"`
	Email     string `json:"email,omitempty" jsonschema:"contact email address"`
	Phone     string `json:"phone,omitempty" jsonschema:"contact phone number"`
	TaxNumber string `json:"tax_number,omitempty" jsonschema:"VAT or tax registration number"`
}

// ContactDeleteInput holds parameters for contact_delete.
type ContactDeleteInput struct {
	ContactID         string `json:"contact_id" jsonschema:"required,contact ID"`
	ConfirmationToken string `json:"confirmation_token,omitempty" jsonschema:"token from the previous contact_delete call"`
}

// InvoicesListInput holds parameters for invoices_list.
type InvoicesListInput struct {
	Status    string `json:"status,omitempty" jsonschema:"filter by status: draft, submitted, paid, voided"`
	ContactID string `json:"contact_id,omitempty" jsonschema:"filter by contact ID"`
	DateFrom  string `json:"date_from,omitempty" jsonschema:"earliest issue date, YYYY-MM-DD"`
	DateTo    string `json:"date_to,omitempty" jsonschema:"latest issue date, YYYY-MM-DD"`
	Page      int    `json:"page,omitempty" jsonschema:"page number, 1-indexed"`
	PageSize  int    `json:"page_size,omitempty" jsonschema:"results per page, provider default when omitted"`
}

// InvoiceGetInput holds parameters for invoice_get.
type InvoiceGetInput struct {
	InvoiceID string `json:"invoice_id" jsonschema:"required,invoice ID"`
}

// InvoiceCreateInput holds parameters for invoice_create.
type InvoiceCreateInput struct {
	ContactID    string            `json:"contact_id" jsonschema:"required,contact the invoice is for"`
	CurrencyCode string            `json:"currency_code,omitempty" jsonschema:"ISO currency code, company base currency when omitted"`
	IssueDate    string            `json:"issue_date,omitempty" jsonschema:"YYYY-MM-DD, today when omitted"`
	DueDate      string            `json:"due_date,omitempty" jsonschema:"YYYY-MM-DD"`
	Reference    string            `json:"reference,omitempty" jsonschema:"free-form reference shown on the invoice"`
	LineItems    []ledger.LineItem `json:"line_items" jsonschema:"required,at least one line item"`
}

// InvoiceDeleteInput holds parameters for invoice_delete.
type InvoiceDeleteInput struct {
	InvoiceID         string `json:"invoice_id" jsonschema:"required,invoice ID, must be a draft"`
	ConfirmationToken string `json:"confirmation_token,omitempty" jsonschema:"token from the previous invoice_delete call"`
}

// APIRequestInput holds parameters for api_request.
type APIRequestInput struct {
	Method            string `json:"method" jsonschema:"required,HTTP method: GET, POST, PUT, PATCH, DELETE"`
	Path              string `json:"path" jsonschema:"required,API path starting with /, may include a query string"`
	Body              string `json:"body,omitempty" jsonschema:"JSON request body for POST/PUT/PATCH"`
	ConfirmationToken string `json:"confirmation_token,omitempty" jsonschema:"token from the previous api_request call, required for non-GET methods"`
}

// OpsRecentInput holds parameters for ops_recent.
type OpsRecentInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum entries to return, defaults to 20"`
}

// --- Output types ---

// DestructiveResult is the output of a destructive tool. Phase one
// fills the confirmation fields; phase two fills Deleted and ID.
type DestructiveResult struct {
	ConfirmationRequired bool   `json:"confirmation_required,omitempty"`
	ConfirmationToken    string `json:"confirmation_token,omitempty"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	Message              string `json:"message,omitempty"`
	Deleted              bool   `json:"deleted,omitempty"`
	ID                   string `json:"id,omitempty"`
}

// APIRequestResult carries a raw API response body, or the confirmation
// handshake for a non-GET request. Body is the decoded JSON document, or
// a plain string for non-JSON responses.
type APIRequestResult struct {
	Body                 any    `json:"body,omitempty"`
	ConfirmationRequired bool   `json:"confirmation_required,omitempty"`
	ConfirmationToken    string `json:"confirmation_token,omitempty"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	Message              string `json:"message,omitempty"`
}

// OpsRecentResult is the journal listing.
type OpsRecentResult struct {
	Operations []journal.Entry `json:"operations"`
}

// --- Handlers ---

func companyGetHandler(d *Deps) mcp.ToolHandlerFor[CompanyGetInput, *ledger.Company] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CompanyGetInput) (*mcp.CallToolResult, *ledger.Company, error) {
		company, err := executor.Do(ctx, d.Exec, "company_get", func(ctx context.Context, token string) (*ledger.Company, error) {
			return d.Client.GetCompany(ctx, token)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(company), company, nil
	}
}

func contactsListHandler(d *Deps) mcp.ToolHandlerFor[ContactsListInput, *ledger.ContactsPage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ContactsListInput) (*mcp.CallToolResult, *ledger.ContactsPage, error) {
		if input.Type != "" && input.Type != "customer" && input.Type != "supplier" {
			return nil, nil, toolError(apierr.Validation("type_invalid", "type must be 'customer' or 'supplier'"))
		}

		q := ledger.ContactsQuery{
			Search:          input.Search,
			Type:            input.Type,
			IncludeArchived: input.IncludeArchived,
			Page:            input.Page,
			PageSize:        input.PageSize,
		}

		page, err := executor.Do(ctx, d.Exec, "contacts_list", func(ctx context.Context, token string) (*ledger.ContactsPage, error) {
			return d.Client.ListContacts(ctx, token, q)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(page), page, nil
	}
}

func contactGetHandler(d *Deps) mcp.ToolHandlerFor[ContactGetInput, *ledger.Contact] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ContactGetInput) (*mcp.CallToolResult, *ledger.Contact, error) {
		if input.ContactID == "" {
			return nil, nil, toolError(apierr.Validation("contact_id_required", "contact_id is required"))
		}

		contact, err := executor.Do(ctx, d.Exec, "contact_get", func(ctx context.Context, token string) (*ledger.Contact, error) {
			return d.Client.GetContact(ctx, token, input.ContactID)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(contact), contact, nil
	}
}

func contactCreateHandler(d *Deps) mcp.ToolHandlerFor[ContactCreateInput, *ledger.Contact] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ContactCreateInput) (*mcp.CallToolResult, *ledger.Contact, error) {
		if input.Name == "" {
			return nil, nil, toolError(apierr.Validation("name_required", "name is required"))
		}

		if input.Type != "customer" && input.Type != "supplier" {
			return nil, nil, toolError(apierr.Validation("type_invalid", "type must be 'customer' or 'supplier'"))
		}

		payload := ledger.ContactCreate{
			Name:      input.Name,
			Type:      input.Type,
			Email:     input.Email,
			Phone:     input.Phone,
			TaxNumber: input.TaxNumber,
		}

		contact, err := executor.Do(ctx, d.Exec, "contact_create", func(ctx context.Context, token string) (*ledger.Contact, error) {
			return d.Client.CreateContact(ctx, token, payload)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(contact), contact, nil
	}
}

func contactDeleteHandler(d *Deps) mcp.ToolHandlerFor[ContactDeleteInput, *DestructiveResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ContactDeleteInput) (*mcp.CallToolResult, *DestructiveResult, error) {
		if input.ContactID == "" {
			return nil, nil, toolError(apierr.Validation("contact_id_required", "contact_id is required"))
		}

		// The snapshot covers the operation's effective arguments only,
		// never the token itself.
		args := map[string]string{"contact_id": input.ContactID}

		if input.ConfirmationToken == "" {
			return confirmationResult(d, "contact_delete", args,
				fmt.Sprintf("Confirm deletion of contact %s by calling contact_delete again with this token.", input.ContactID))
		}

		if err := d.Confirms.Consume(input.ConfirmationToken, "contact_delete", args); err != nil {
			return nil, nil, toolError(err)
		}

		_, err := executor.Do(ctx, d.Exec, "contact_delete", func(ctx context.Context, token string) (struct{}, error) {
			return struct{}{}, d.Client.DeleteContact(ctx, token, input.ContactID)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &DestructiveResult{Deleted: true, ID: input.ContactID}

		return textResult(result), result, nil
	}
}

func invoicesListHandler(d *Deps) mcp.ToolHandlerFor[InvoicesListInput, *ledger.InvoicesPage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input InvoicesListInput) (*mcp.CallToolResult, *ledger.InvoicesPage, error) {
		q := ledger.InvoicesQuery{
			Status:    input.Status,
			ContactID: input.ContactID,
			DateFrom:  input.DateFrom,
			DateTo:    input.DateTo,
			Page:      input.Page,
			PageSize:  input.PageSize,
		}

		page, err := executor.Do(ctx, d.Exec, "invoices_list", func(ctx context.Context, token string) (*ledger.InvoicesPage, error) {
			return d.Client.ListInvoices(ctx, token, q)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(page), page, nil
	}
}

func invoiceGetHandler(d *Deps) mcp.ToolHandlerFor[InvoiceGetInput, *ledger.Invoice] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceGetInput) (*mcp.CallToolResult, *ledger.Invoice, error) {
		if input.InvoiceID == "" {
			return nil, nil, toolError(apierr.Validation("invoice_id_required", "invoice_id is required"))
		}

		invoice, err := executor.Do(ctx, d.Exec, "invoice_get", func(ctx context.Context, token string) (*ledger.Invoice, error) {
			return d.Client.GetInvoice(ctx, token, input.InvoiceID)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(invoice), invoice, nil
	}
}

func invoiceCreateHandler(d *Deps) mcp.ToolHandlerFor[InvoiceCreateInput, *ledger.Invoice] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceCreateInput) (*mcp.CallToolResult, *ledger.Invoice, error) {
		if input.ContactID == "" {
			return nil, nil, toolError(apierr.Validation("contact_id_required", "contact_id is required"))
		}

		if len(input.LineItems) == 0 {
			return nil, nil, toolError(apierr.Validation("line_items_required", "at least one line item is required"))
		}

		for i, li := range input.LineItems {
			if li.Description == "" {
				return nil, nil, toolError(apierr.Validation("line_item_invalid",
					fmt.Sprintf("line item %d has no description", i+1)))
			}

			if li.Quantity <= 0 {
				return nil, nil, toolError(apierr.Validation("line_item_invalid",
					fmt.Sprintf("line item %d has a non-positive quantity", i+1)))
			}
		}

		payload := ledger.InvoiceCreate{
			ContactID:    input.ContactID,
			CurrencyCode: input.CurrencyCode,
			IssueDate:    input.IssueDate,
			DueDate:      input.DueDate,
			Reference:    input.Reference,
			LineItems:    input.LineItems,
		}

		invoice, err := executor.Do(ctx, d.Exec, "invoice_create", func(ctx context.Context, token string) (*ledger.Invoice, error) {
			return d.Client.CreateInvoice(ctx, token, payload)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(invoice), invoice, nil
	}
}

func invoiceDeleteHandler(d *Deps) mcp.ToolHandlerFor[InvoiceDeleteInput, *DestructiveResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceDeleteInput) (*mcp.CallToolResult, *DestructiveResult, error) {
		if input.InvoiceID == "" {
			return nil, nil, toolError(apierr.Validation("invoice_id_required", "invoice_id is required"))
		}

		args := map[string]string{"invoice_id": input.InvoiceID}

		if input.ConfirmationToken == "" {
			return confirmationResult(d, "invoice_delete", args,
				fmt.Sprintf("Confirm deletion of invoice %s by calling invoice_delete again with this token.", input.InvoiceID))
		}

		if err := d.Confirms.Consume(input.ConfirmationToken, "invoice_delete", args); err != nil {
			return nil, nil, toolError(err)
		}

		_, err := executor.Do(ctx, d.Exec, "invoice_delete", func(ctx context.Context, token string) (struct{}, error) {
			return struct{}{}, d.Client.DeleteInvoice(ctx, token, input.InvoiceID)
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &DestructiveResult{Deleted: true, ID: input.InvoiceID}

		return textResult(result), result, nil
	}
}

var allowedRawMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func apiRequestHandler(d *Deps) mcp.ToolHandlerFor[APIRequestInput, *APIRequestResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input APIRequestInput) (*mcp.CallToolResult, *APIRequestResult, error) {
		method := strings.ToUpper(input.Method)
		if !allowedRawMethods[method] {
			return nil, nil, toolError(apierr.Validation("method_invalid",
				fmt.Sprintf("method %q is not allowed", input.Method)))
		}

		if !strings.HasPrefix(input.Path, "/") {
			return nil, nil, toolError(apierr.Validation("path_invalid", "path must start with /"))
		}

		var body []byte
		if input.Body != "" {
			if !gjson.Valid(input.Body) {
				return nil, nil, toolError(apierr.Validation("body_invalid", "body must be valid JSON"))
			}

			body = []byte(input.Body)
		}

		// Anything other than GET can mutate remote state, so it goes
		// through the same two-phase handshake as the typed deletes.
		if method != http.MethodGet {
			args := map[string]string{"method": method, "path": input.Path, "body": input.Body}

			if input.ConfirmationToken == "" {
				token, expiresAt, err := d.Confirms.Create("api_request", args)
				if err != nil {
					return nil, nil, toolError(err)
				}

				result := &APIRequestResult{
					ConfirmationRequired: true,
					ConfirmationToken:    token,
					ExpiresAt:            expiresAt.Unix(),
					Message:              fmt.Sprintf("Confirm %s %s by calling api_request again with the same arguments plus this token.", method, input.Path),
				}

				return textResult(result), result, nil
			}

			if err := d.Confirms.Consume(input.ConfirmationToken, "api_request", args); err != nil {
				return nil, nil, toolError(err)
			}
		}

		raw, err := executor.Raw(ctx, d.Exec, d.Client, "api_request", method, input.Path, body)
		if err != nil {
			return nil, nil, toolError(err)
		}

		var decoded any
		if len(raw) > 0 && gjson.ValidBytes(raw) {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				decoded = string(raw)
			}
		} else {
			decoded = string(raw)
		}

		result := &APIRequestResult{Body: decoded}

		return textResult(result), result, nil
	}
}

func opsRecentHandler(d *Deps) mcp.ToolHandlerFor[OpsRecentInput, *OpsRecentResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input OpsRecentInput) (*mcp.CallToolResult, *OpsRecentResult, error) {
		if d.Journal == nil {
			return nil, nil, toolError(apierr.Validation("journal_disabled", "the operations journal is not enabled"))
		}

		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}

		entries, err := d.Journal.Recent(limit)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &OpsRecentResult{Operations: entries}

		return textResult(result), result, nil
	}
}

// confirmationResult issues a token for a destructive call and returns
// the handshake payload instead of executing.
func confirmationResult(d *Deps, tool string, args any, message string) (*mcp.CallToolResult, *DestructiveResult, error) {
	token, expiresAt, err := d.Confirms.Create(tool, args)
	if err != nil {
		return nil, nil, toolError(err)
	}

	result := &DestructiveResult{
		ConfirmationRequired: true,
		ConfirmationToken:    token,
		ExpiresAt:            expiresAt.Unix(),
		Message:              message,
	}

	return textResult(result), result, nil
}

// toolError formats a taxonomy error for the model: kind tag up front,
// suggestion appended. Non-taxonomy errors pass through.
func toolError(err error) error {
	var e *apierr.Error
	if !errors.As(err, &e) {
		return err
	}

	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Error())
	if e.Suggestion != "" {
		msg += ". " + e.Suggestion
	}

	return errors.New(msg)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
