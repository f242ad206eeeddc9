package oauth

import (
	"fmt"
	"slices"
)

// Client policy names
const (
	PolicyStrict     = "strict"
	PolicyPermissive = "permissive"
)

// ClientPolicy decides which clients and redirect URIs are acceptable.
// It is chosen once at construction; nothing else in the package checks the
// deployment mode.
type ClientPolicy interface {
	Name() string

	// ResolveClient returns the client for clientID or an invalid_client error.
	ResolveClient(clientID string) (*RegisteredClient, error)

	// ResolveRedirectURI returns the effective redirect URI for an authorization request.
	ResolveRedirectURI(client *RegisteredClient, requested string) (string, error)

	// AuthenticateClient checks the secret presented at the token or revocation endpoint.
	AuthenticateClient(client *RegisteredClient, secret string) error
}

// NewClientPolicy returns the policy registered under name.
func NewClientPolicy(name string, clients *ClientStore) (ClientPolicy, error) {
	switch name {
	case "", PolicyStrict:
		return &StrictPolicy{clients: clients}, nil
	case PolicyPermissive:
		return &PermissivePolicy{clients: clients}, nil
	default:
		return nil, fmt.Errorf("unknown client policy %q", name)
	}
}

// StrictPolicy only accepts registered clients, registered redirect URIs and valid secrets.
type StrictPolicy struct {
	clients *ClientStore
}

// Name implements ClientPolicy.
func (p *StrictPolicy) Name() string { return PolicyStrict }

// ResolveClient implements ClientPolicy.
func (p *StrictPolicy) ResolveClient(clientID string) (*RegisteredClient, error) {
	client, err := p.clients.GetClient(clientID)
	if err != nil {
		return nil, ErrInvalidClient("Invalid client_id")
	}
	return client, nil
}

// ResolveRedirectURI implements ClientPolicy. The requested URI must exactly
// match a registered one; it may be omitted when exactly one is registered.
func (p *StrictPolicy) ResolveRedirectURI(client *RegisteredClient, requested string) (string, error) {
	return resolveRegisteredRedirect(client, requested)
}

// AuthenticateClient implements ClientPolicy.
func (p *StrictPolicy) AuthenticateClient(client *RegisteredClient, secret string) error {
	if client.IsPublic() {
		return nil
	}
	if secret == "" {
		return ErrInvalidClient("Client authentication required")
	}
	if err := p.clients.ValidateClientSecret(client.ClientID, secret); err != nil {
		return ErrInvalidClient("Client authentication failed")
	}
	return nil
}

// PermissivePolicy accepts unknown clients as ephemeral public clients and
// takes redirect URIs as given. It is meant for local development.
type PermissivePolicy struct {
	clients *ClientStore
}

// Name implements ClientPolicy.
func (p *PermissivePolicy) Name() string { return PolicyPermissive }

// ResolveClient implements ClientPolicy.
func (p *PermissivePolicy) ResolveClient(clientID string) (*RegisteredClient, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("Invalid client_id")
	}
	if client, err := p.clients.GetClient(clientID); err == nil {
		return client, nil
	}
	return &RegisteredClient{
		ClientID:                clientID,
		TokenEndpointAuthMethod: AuthMethodNone,
		GrantTypes:              DefaultGrantTypes,
		ResponseTypes:           DefaultResponseTypes,
		Ephemeral:               true,
	}, nil
}

// ResolveRedirectURI implements ClientPolicy.
func (p *PermissivePolicy) ResolveRedirectURI(client *RegisteredClient, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	return resolveRegisteredRedirect(client, "")
}

// AuthenticateClient implements ClientPolicy. Secrets are not checked.
func (p *PermissivePolicy) AuthenticateClient(*RegisteredClient, string) error {
	return nil
}

func resolveRegisteredRedirect(client *RegisteredClient, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", ErrInvalidRequest("redirect_uri is required")
	}
	if slices.Contains(client.RedirectURIs, requested) {
		return requested, nil
	}
	return "", ErrInvalidRequest("redirect_uri not registered for this client")
}
