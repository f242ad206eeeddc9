package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/teemow/health-record-mcp/internal/logging"
)

var (
	// ErrClientNotFound is returned for unregistered client ids
	ErrClientNotFound = errors.New("client not found")

	// ErrClientSecretExpired is returned when a confidential client's secret is past its expiry
	ErrClientSecretExpired = errors.New("client secret expired")
)

// ClientStore manages registered OAuth clients
type ClientStore struct {
	clients      map[string]*RegisteredClient
	clientsPerIP map[string]int // Track number of clients per IP for DoS protection
	mu           sync.RWMutex
	secretTTL    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewClientStore creates a new client store
func NewClientStore(logger *slog.Logger) *ClientStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &ClientStore{
		clients:      make(map[string]*RegisteredClient),
		clientsPerIP: make(map[string]int),
		secretTTL:    DefaultClientSecretTTL,
		now:          time.Now,
		logger:       logger,
	}
}

// CheckIPLimit checks if an IP has reached the client registration limit
// Returns an error if the limit is reached
func (s *ClientStore) CheckIPLimit(ip string, maxClientsPerIP int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	count := s.clientsPerIP[ip]
	if count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d)", ip, count, maxClientsPerIP)
	}

	return nil
}

// RegisterClient registers a new OAuth client and returns the client info.
// Public clients (auth method "none") get no secret; confidential clients get
// a secret that expires after 30 days.
func (s *ClientStore) RegisterClient(req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	tokenEndpointAuthMethod := req.TokenEndpointAuthMethod
	if tokenEndpointAuthMethod == "" {
		tokenEndpointAuthMethod = DefaultTokenEndpointAuthMethod
	}
	if !slices.Contains(SupportedTokenAuthMethods, tokenEndpointAuthMethod) {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method %q", tokenEndpointAuthMethod))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = DefaultGrantTypes
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = DefaultResponseTypes
	}

	clientID, err := generateSecureToken(ClientIDTokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client ID: %w", err)
	}

	now := s.now()
	var clientSecret, secretHash string
	var secretExpiresAt int64
	if tokenEndpointAuthMethod != AuthMethodNone {
		clientSecret, err = generateSecureToken(ClientSecretTokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
		secretExpiresAt = now.Add(s.secretTTL).Unix()
	}

	client := &RegisteredClient{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   secretExpiresAt,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	if clientIP != "" {
		s.clientsPerIP[clientIP]++
	}
	fromIP := s.clientsPerIP[clientIP]
	s.mu.Unlock()

	s.logger.Info("Registered new OAuth client",
		logging.ClientID(clientID),
		"client_name", req.ClientName,
		"client_ip", clientIP,
		"clients_from_ip", fromIP,
		"redirect_uris", req.RedirectURIs,
		"public", client.IsPublic(),
	)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret, // Only returned once
		ClientIDIssuedAt:        client.ClientIDIssuedAt,
		ClientSecretExpiresAt:   secretExpiresAt,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	}, nil
}

// GetClient retrieves a registered client by ID
func (s *ClientStore) GetClient(clientID string) (*RegisteredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[clientID]
	if !exists {
		return nil, ErrClientNotFound
	}

	return client, nil
}

// ValidateClientSecret validates a confidential client's secret and its expiry
func (s *ClientStore) ValidateClientSecret(clientID, clientSecret string) error {
	client, err := s.GetClient(clientID)
	if err != nil {
		return err
	}
	if client.IsPublic() {
		return nil
	}

	if client.ClientSecretExpiresAt != 0 && s.now().Unix() > client.ClientSecretExpiresAt {
		return ErrClientSecretExpired
	}

	// Compare with bcrypt hash
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client secret")
	}

	return nil
}

// Len returns the number of registered clients
func (s *ClientStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
