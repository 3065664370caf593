// Package sts obtains and caches WS-Trust security tokens. An Issuer performs
// the RequestSecurityToken exchange against the federation token service; a
// Manager caches one token per relying endpoint and renews it on expiry.
package sts

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/internal/xmldom"
	"github.com/crmlabs/dynabridge/soap"
)

const (
	nsTrust     = "http://docs.oasis-open.org/ws-sx/ws-trust/200512"
	nsPolicy    = "http://schemas.xmlsoap.org/ws/2004/09/policy"
	nsSecext    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsUtility   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	actionIssue = "http://docs.oasis-open.org/ws-sx/ws-trust/200512/RST/Issue"

	passwordTextType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
)

// requestedTokenPattern captures the issued token markup verbatim, whatever
// prefix the server chose for the trust namespace.
var requestedTokenPattern = regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_.-]+:)?RequestedSecurityToken(?:\s[^>]*)?>(.*?)</(?:[A-Za-z0-9_.-]+:)?RequestedSecurityToken>`)

// Issuer requests security tokens from a WS-Trust 1.3 username endpoint.
type Issuer struct {
	transport soap.Transport
	trustURL  string
	username  string
	password  string
	logger    *zap.Logger
	now       func() time.Time
}

// NewIssuer returns an Issuer for the given trust endpoint and credentials.
func NewIssuer(transport soap.Transport, trustURL, username, password string, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		transport: transport,
		trustURL:  trustURL,
		username:  username,
		password:  password,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue performs the RST/Issue exchange and returns a token scoped to the
// appliesTo service endpoint.
func (i *Issuer) Issue(ctx context.Context, appliesTo string) (*soap.SecurityToken, error) {
	envelope := i.requestEnvelope(appliesTo)
	i.logger.Debug("requesting security token",
		zap.String("trust_url", i.trustURL), zap.String("applies_to", appliesTo))

	raw, err := i.transport.Post(ctx, i.trustURL, []byte(envelope))
	if err != nil {
		return nil, err
	}
	root, err := soap.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	return parseIssueResponse(root, raw)
}

// requestEnvelope builds the RST/Issue envelope with a username token header.
func (i *Issuer) requestEnvelope(appliesTo string) string {
	now := i.now()
	security := xmldom.New("o:Security").
		SetAttr("s:mustUnderstand", "1").
		SetAttr("xmlns:o", nsSecext)
	timestamp := security.Child("u:Timestamp").
		SetAttr("xmlns:u", nsUtility).
		SetAttr("u:Id", "_0")
	timestamp.Child("u:Created").SetText(soap.FormatTime(now))
	timestamp.Child("u:Expires").SetText(soap.FormatTime(now.Add(time.Minute)))
	userToken := security.Child("o:UsernameToken").SetAttr("u:Id", "uuid-"+uuid.NewString()+"-1")
	userToken.Child("o:Username").SetText(i.username)
	userToken.Child("o:Password").SetAttr("Type", passwordTextType).SetText(i.password)

	rst := xmldom.New("trust:RequestSecurityToken").SetAttr("xmlns:trust", nsTrust)
	appliesToNode := rst.Child("wsp:AppliesTo").SetAttr("xmlns:wsp", nsPolicy)
	appliesToNode.Child("a:EndpointReference").Child("a:Address").SetText(appliesTo)
	rst.Child("trust:RequestType").SetText(nsTrust + "/Issue")

	req := &soap.Request{
		Action:   actionIssue,
		To:       i.trustURL,
		Security: security,
		Body:     rst,
	}
	return req.Envelope()
}

// parseIssueResponse extracts the token material from an RSTR envelope. The
// issued token markup is taken verbatim from the raw bytes since it must be
// replayed byte for byte in later security headers.
func parseIssueResponse(root *xmldom.Node, raw []byte) (*soap.SecurityToken, error) {
	match := requestedTokenPattern.FindSubmatch(raw)
	if match == nil {
		return nil, &soap.ProtocolError{Reason: "token response has no RequestedSecurityToken", RawResponse: string(raw)}
	}
	token := &soap.SecurityToken{TokenXML: string(match[1])}

	cipherValues := root.FindAll("CipherValue")
	if len(cipherValues) < 2 {
		return nil, &soap.ProtocolError{Reason: "token response has fewer than two cipher values", RawResponse: string(raw)}
	}
	token.CipherValue0 = cipherValues[0].TextContent()
	token.CipherValue1 = cipherValues[1].TextContent()

	keyID := root.Find("KeyIdentifier")
	if keyID == nil {
		return nil, &soap.ProtocolError{Reason: "token response has no key identifier", RawResponse: string(raw)}
	}
	token.KeyIdentifier = keyID.TextContent()

	secret := root.Find("BinarySecret")
	if secret == nil {
		return nil, &soap.ProtocolError{Reason: "token response has no binary secret", RawResponse: string(raw)}
	}
	token.BinarySecret = secret.TextContent()

	lifetime := root.Find("Lifetime")
	if lifetime == nil {
		return nil, &soap.ProtocolError{Reason: "token response has no lifetime", RawResponse: string(raw)}
	}
	expiresNode := lifetime.ChildNamed("Expires")
	if expiresNode == nil {
		return nil, &soap.ProtocolError{Reason: "token lifetime has no expiry", RawResponse: string(raw)}
	}
	expires, err := time.Parse(time.RFC3339, expiresNode.TextContent())
	if err != nil {
		return nil, &soap.ProtocolError{Reason: fmt.Sprintf("unparseable token expiry %q", expiresNode.TextContent()), RawResponse: string(raw)}
	}
	token.Expires = expires.UTC()
	return token, nil
}

// TokenIssuer is the part of Issuer the Manager depends on.
type TokenIssuer interface {
	Issue(ctx context.Context, appliesTo string) (*soap.SecurityToken, error)
}

// Manager caches one security token per relying endpoint. A token is fetched
// on first use and renewed when expired; concurrent callers for the same
// endpoint trigger at most one exchange.
type Manager struct {
	issuer TokenIssuer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	token *soap.SecurityToken
}

// NewManager returns a Manager backed by the given issuer.
func NewManager(issuer TokenIssuer) *Manager {
	return &Manager{
		issuer:  issuer,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Token returns a valid token for the endpoint, performing the WS-Trust
// exchange only when none is cached or the cached one has expired.
func (m *Manager) Token(ctx context.Context, endpoint string) (*soap.SecurityToken, error) {
	m.mu.Lock()
	e, ok := m.entries[endpoint]
	if !ok {
		e = &entry{}
		m.entries[endpoint] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != nil && !e.token.Expired(m.now()) {
		return e.token, nil
	}
	token, err := m.issuer.Issue(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	e.token = token
	return token, nil
}

// Invalidate drops any cached token for the endpoint.
func (m *Manager) Invalidate(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, endpoint)
}
