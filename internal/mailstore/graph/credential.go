package graph

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope requests the application permissions granted to the app
// registration.
const DefaultScope = "https://graph.microsoft.com/.default"

// tokenURL is the Entra ID v2 token endpoint for a tenant.
func tokenURL(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
}

// oauthCredential adapts an oauth2.TokenSource to azcore.TokenCredential
// so the Graph SDK can use app-only client-credential tokens.
type oauthCredential struct {
	src oauth2.TokenSource
}

var _ azcore.TokenCredential = (*oauthCredential)(nil)

// newClientCredential builds a credential for the client-credentials
// grant. The token source caches and refreshes tokens.
func newClientCredential(ctx context.Context, tenantID, clientID, secret string) *oauthCredential {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL(tenantID),
		Scopes:       []string{DefaultScope},
	}
	return &oauthCredential{src: cfg.TokenSource(ctx)}
}

func (c *oauthCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("acquiring graph token: %w", err)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
