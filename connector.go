// Package dynabridge is a client for Dynamics CRM 2011 style organization
// services. It discovers the organization endpoint, authenticates through
// WS-Trust federation, caches entity metadata, and exposes record operations
// over the SOAP organization service.
package dynabridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/metadata"
	"github.com/crmlabs/dynabridge/internal/sts"
	"github.com/crmlabs/dynabridge/internal/wsdl"
	"github.com/crmlabs/dynabridge/internal/xmldom"
	"github.com/crmlabs/dynabridge/soap"
)

// State is the connector lifecycle position.
type State int

const (
	// StateUninitialized means construction has not completed.
	StateUninitialized State = iota
	// StateAwaitingCredentials means the connector knows its discovery
	// endpoint but has no working credentials yet.
	StateAwaitingCredentials
	// StateReady means the organization endpoint is resolved and record
	// operations may be issued.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAwaitingCredentials:
		return "awaiting-credentials"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Fallback SOAP actions, used when the service WSDL does not list them.
const (
	discoveryExecuteAction = "http://schemas.microsoft.com/xrm/2011/Contracts/Discovery/IDiscoveryService/Execute"
	organizationActionBase = "http://schemas.microsoft.com/xrm/2011/Contracts/Services/IOrganizationService/"
)

// DefaultTimeout bounds each SOAP call unless overridden.
const DefaultTimeout = 600 * time.Second

// Connector is the client for one organization. It is safe for concurrent
// use once SetFederationSecurity has succeeded.
type Connector struct {
	discoveryURL string
	organization string

	logger     *zap.Logger
	httpClient *http.Client
	transport  soap.Transport
	getter     wsdl.Getter
	client     *soap.Client
	timeout    time.Duration
	maxRecords int
	now        func() time.Time

	mu              sync.Mutex
	state           State
	organizationURI string
	actions         map[string]string
	discoveryTokens *sts.Manager
	orgTokens       *sts.Manager
	callerID        string

	schemas *metadata.Cache
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the structured logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

// WithHTTPClient sets the HTTP client used for SOAP calls and WSDL fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.httpClient = client }
}

// WithTransport replaces the SOAP transport, mainly for tests.
func WithTransport(t soap.Transport) Option {
	return func(c *Connector) { c.transport = t }
}

// WithGetter replaces the WSDL fetcher, mainly for tests.
func WithGetter(g wsdl.Getter) Option {
	return func(c *Connector) { c.getter = g }
}

// WithTimeout bounds each SOAP call.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRecords lowers the per-page record ceiling. Values above the server
// maximum are ignored.
func WithMaxRecords(n int) Option {
	return func(c *Connector) {
		if n > 0 && n <= crm.MaxRecords {
			c.maxRecords = n
		}
	}
}

// New returns a connector awaiting credentials. The discovery URL and
// organization name are required.
func New(discoveryURL, organization string, opts ...Option) (*Connector, error) {
	if discoveryURL == "" {
		return nil, &ConfigurationError{Reason: "discovery URL is required"}
	}
	if organization == "" {
		return nil, &ConfigurationError{Reason: "organization name is required"}
	}
	c := &Connector{
		discoveryURL: strings.TrimRight(discoveryURL, "/"),
		organization: organization,
		logger:       zap.NewNop(),
		timeout:      DefaultTimeout,
		maxRecords:   crm.MaxRecords,
		now:          time.Now,
		state:        StateAwaitingCredentials,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.transport == nil {
		c.transport = &soap.HTTPTransport{Client: c.httpClient}
	}
	if c.getter == nil {
		c.getter = httpGetter(c.httpClient)
	}
	c.client = soap.NewClient(c.transport, c.logger)
	c.schemas = metadata.NewCache(c.fetchEntityMetadata, c.logger)
	return c, nil
}

// NewWithCredentials builds a connector and establishes the session
// immediately. Unlike SetFederationSecurity on a bare connector, a failure
// here is fatal to construction.
func NewWithCredentials(ctx context.Context, discoveryURL, organization, username, password string, opts ...Option) (*Connector, error) {
	c, err := New(discoveryURL, organization, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.SetFederationSecurity(ctx, username, password); err != nil {
		return nil, err
	}
	return c, nil
}

func httpGetter(client *http.Client) wsdl.Getter {
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OrganizationURI returns the resolved organization service endpoint, ""
// before the session is established.
func (c *Connector) OrganizationURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.organizationURI
}

// SOAPActions returns the operation name to action URI table discovered
// from the organization service description. Empty before the session is
// established.
func (c *Connector) SOAPActions() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.actions))
	for operation, action := range c.actions {
		out[operation] = action
	}
	return out
}

// SetCallerID makes subsequent operations run impersonating the given
// system user.
func (c *Connector) SetCallerID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerID = userID
}

// ClearCallerID stops impersonation.
func (c *Connector) ClearCallerID() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callerID = ""
}

// SetFederationSecurity authenticates with the given credentials: it reads
// the discovery service policy, locates the federation token service,
// resolves the organization endpoint, and prepares the organization service
// session. On failure the connector stays in StateAwaitingCredentials and
// the call may be retried, with the same or other credentials.
func (c *Connector) SetFederationSecurity(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return &ConfigurationError{Reason: "username and password are required"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	discoveryTokens, err := c.trustManagerFor(ctx, c.discoveryURL, username, password)
	if err != nil {
		return err
	}
	orgURI, err := c.resolveOrganizationURI(ctx, discoveryTokens)
	if err != nil {
		return err
	}

	orgDoc, err := wsdl.Load(ctx, c.getter, orgURI+"?wsdl")
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("organization service description unavailable: %v", err)}
	}
	orgTokens, err := c.trustManagerForDoc(ctx, orgDoc, orgURI, username, password)
	if err != nil {
		return err
	}
	actions := orgDoc.SOAPActions()

	c.mu.Lock()
	c.discoveryTokens = discoveryTokens
	c.orgTokens = orgTokens
	c.organizationURI = orgURI
	c.actions = actions
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("federation session established",
		zap.String("organization", c.organization),
		zap.String("organization_uri", orgURI))
	return nil
}

// trustManagerFor loads the WSDL of serviceURL and derives a token manager
// from its security policy.
func (c *Connector) trustManagerFor(ctx context.Context, serviceURL, username, password string) (*sts.Manager, error) {
	doc, err := wsdl.Load(ctx, c.getter, serviceURL+"?wsdl")
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("service description unavailable: %v", err)}
	}
	return c.trustManagerForDoc(ctx, doc, serviceURL, username, password)
}

func (c *Connector) trustManagerForDoc(ctx context.Context, doc *wsdl.Document, serviceURL, username, password string) (*sts.Manager, error) {
	policy, err := doc.SecurityPolicy()
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("no security policy for %s: %v", serviceURL, err)}
	}
	if mode := wsdl.AuthenticationMode(policy); mode != "Federation" {
		return nil, &UnsupportedAuthModeError{Mode: mode}
	}
	mexURL, err := wsdl.FederationMetadataAddress(policy)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	mexData, err := c.getter(ctx, mexURL)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("federation metadata unavailable: %v", err)}
	}
	mex, err := xmldom.Parse(mexData)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("federation metadata unreadable: %v", err)}
	}
	trustURL, err := wsdl.TrustAddress(mex)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	issuer := sts.NewIssuer(c.transport, trustURL, username, password, c.logger)
	return sts.NewManager(issuer), nil
}

// resolveOrganizationURI asks the discovery service for all organizations
// and picks the configured one's organization service endpoint.
func (c *Connector) resolveOrganizationURI(ctx context.Context, tokens *sts.Manager) (string, error) {
	token, err := tokens.Token(ctx, c.discoveryURL)
	if err != nil {
		return "", authError(err)
	}
	security, err := soap.SecurityHeader(token, c.now())
	if err != nil {
		return "", err
	}

	execute := xmldom.New("Execute").SetAttr("xmlns", crm.NSContracts+"/Discovery")
	request := execute.Child("request").
		SetAttr("i:type", "RetrieveOrganizationsRequest").
		SetAttr("xmlns:i", crm.NSXSI)
	request.Child("AccessType").SetText("Default")
	request.Child("Release").SetText("Current")

	envelope, err := c.client.Call(ctx, &soap.Request{
		Action:   discoveryExecuteAction,
		To:       c.discoveryURL,
		Security: security,
		Body:     execute,
	})
	if err != nil {
		return "", authError(err)
	}

	var available []string
	for _, detail := range envelope.FindAll("OrganizationDetail") {
		uniqueName := ""
		if n := detail.ChildNamed("UniqueName"); n != nil {
			uniqueName = n.TextContent()
		}
		available = append(available, uniqueName)
		if uniqueName != c.organization {
			continue
		}
		endpoints := detail.ChildNamed("Endpoints")
		if endpoints == nil {
			continue
		}
		for _, pair := range endpoints.Children {
			key := pair.ChildNamed("key")
			value := pair.ChildNamed("value")
			if key != nil && value != nil && key.TextContent() == "OrganizationService" {
				return value.TextContent(), nil
			}
		}
	}
	return "", &OrganizationNotFoundError{Organization: c.organization, Available: available}
}

// authError maps token service faults to AuthenticationError; everything
// else passes through.
func authError(err error) error {
	if fault, ok := err.(*soap.FaultError); ok {
		return &AuthenticationError{Reason: fault.Reason, Err: fault}
	}
	return err
}

// session snapshots the fields an operation needs, so calls do not hold the
// connector lock across network traffic.
type session struct {
	organizationURI string
	tokens          *sts.Manager
	actions         map[string]string
	callerID        string
}

func (c *Connector) session() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, &ConfigurationError{Reason: "connector is not ready, call SetFederationSecurity first"}
	}
	return &session{
		organizationURI: c.organizationURI,
		tokens:          c.orgTokens,
		actions:         c.actions,
		callerID:        c.callerID,
	}, nil
}

// orgCall issues one authenticated call against the organization service.
func (c *Connector) orgCall(ctx context.Context, operation string, body *xmldom.Node) (*xmldom.Node, error) {
	_, root, err := c.orgCallRaw(ctx, operation, body)
	return root, err
}

func (c *Connector) orgCallRaw(ctx context.Context, operation string, body *xmldom.Node) ([]byte, *xmldom.Node, error) {
	sess, err := c.session()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := sess.tokens.Token(ctx, sess.organizationURI)
	if err != nil {
		return nil, nil, authError(err)
	}
	security, err := soap.SecurityHeader(token, c.now())
	if err != nil {
		return nil, nil, err
	}

	req := &soap.Request{
		Action:   c.actionFor(sess, operation),
		To:       sess.organizationURI,
		Security: security,
		Body:     body,
	}
	if sess.callerID != "" {
		req.ExtraHeaders = append(req.ExtraHeaders,
			xmldom.New("CallerId").SetAttr("xmlns", crm.NSContracts).SetText(sess.callerID))
	}
	return c.client.CallRaw(ctx, req)
}

func (c *Connector) actionFor(sess *session, operation string) string {
	if a, ok := sess.actions[operation]; ok {
		return a
	}
	return organizationActionBase + operation
}

// fetchEntityMetadata backs the schema cache: it executes RetrieveEntity for
// the logical name and returns the EntityMetadata element.
func (c *Connector) fetchEntityMetadata(ctx context.Context, logicalName string) (*xmldom.Node, error) {
	return c.retrieveEntityNode(ctx, logicalName, "", defaultEntityFilters, false)
}
