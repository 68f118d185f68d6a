package mcpserver

import (
	"context"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/alexjbarnes/ledger-mcp/internal/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func registerAuthTools(server *mcp.Server, d *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Report the current authentication state: whether credentials exist, which account, when the access token expires.",
	}, authStatusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_begin",
		Description: "Start the OAuth authorization flow. Returns the URL to open in a browser and the state value the callback must echo.",
	}, authBeginHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_complete",
		Description: "Finish the OAuth flow with the code and state from the provider's redirect.",
	}, authCompleteHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_revoke",
		Description: "Revoke the stored tokens with the provider and delete them locally. Local credentials are removed even if the provider is unreachable.",
	}, authRevokeHandler(d))
}

// AuthStatusInput has no parameters.
type AuthStatusInput struct{}

// AuthBeginInput has no parameters.
type AuthBeginInput struct{}

// AuthCompleteInput holds the values from the provider's redirect.
type AuthCompleteInput struct {
	Code  string `json:"code" jsonschema:"required,authorization code from the callback"`
	State string `json:"state" jsonschema:"required,state value from the callback"`
}

// AuthRevokeInput has no parameters.
type AuthRevokeInput struct{}

// AuthBeginResult tells the user where to authorize.
type AuthBeginResult struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ExpiresAt        int64  `json:"expires_at"`
	Message          string `json:"message"`
}

// AuthCompleteResult reports the established session.
type AuthCompleteResult struct {
	Authenticated bool   `json:"authenticated"`
	AccountID     string `json:"account_id,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
}

// AuthRevokeResult reports the revocation.
type AuthRevokeResult struct {
	Revoked bool `json:"revoked"`
}

func authStatusHandler(d *Deps) mcp.ToolHandlerFor[AuthStatusInput, *auth.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ AuthStatusInput) (*mcp.CallToolResult, *auth.Status, error) {
		status, err := d.Manager.Status()
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(&status), &status, nil
	}
}

func authBeginHandler(d *Deps) mcp.ToolHandlerFor[AuthBeginInput, *AuthBeginResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ AuthBeginInput) (*mcp.CallToolResult, *AuthBeginResult, error) {
		state, expiresAt := d.States.Create()

		url, err := d.Manager.AuthorizationURL(state)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &AuthBeginResult{
			AuthorizationURL: url,
			State:            state,
			ExpiresAt:        expiresAt.Unix(),
			Message:          "Open the URL in a browser, authorize, then call auth_complete with the code and state from the redirect.",
		}

		return textResult(result), result, nil
	}
}

func authCompleteHandler(d *Deps) mcp.ToolHandlerFor[AuthCompleteInput, *AuthCompleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AuthCompleteInput) (*mcp.CallToolResult, *AuthCompleteResult, error) {
		// State is checked before the code touches the network, and the
		// check burns it: a replayed or forged callback never reaches
		// the token endpoint.
		if !d.States.Consume(input.State) {
			return nil, nil, toolError(apierr.Validation("state_invalid",
				"state is unknown, expired, or already used; start over with auth_begin"))
		}

		creds, err := d.Manager.ExchangeCode(ctx, input.Code)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &AuthCompleteResult{
			Authenticated: true,
			AccountID:     creds.AccountID,
			ExpiresAt:     creds.ExpiresAt,
		}

		return textResult(result), result, nil
	}
}

func authRevokeHandler(d *Deps) mcp.ToolHandlerFor[AuthRevokeInput, *AuthRevokeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ AuthRevokeInput) (*mcp.CallToolResult, *AuthRevokeResult, error) {
		if err := d.Manager.Revoke(ctx); err != nil {
			return nil, nil, toolError(err)
		}

		result := &AuthRevokeResult{Revoked: true}

		return textResult(result), result, nil
	}
}
