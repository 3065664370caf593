package sts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmlabs/dynabridge/soap"
)

const issueResponse = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing">
<s:Header><a:Action>http://docs.oasis-open.org/ws-sx/ws-trust/200512/RSTRC/IssueFinal</a:Action></s:Header>
<s:Body>
<trust:RequestSecurityTokenResponseCollection xmlns:trust="http://docs.oasis-open.org/ws-sx/ws-trust/200512">
<trust:RequestSecurityTokenResponse>
<trust:Lifetime>
<wsu:Created xmlns:wsu="urn:u">2026-01-02T03:04:05.000Z</wsu:Created>
<wsu:Expires xmlns:wsu="urn:u">2026-01-02T11:04:05.000Z</wsu:Expires>
</trust:Lifetime>
<trust:RequestedSecurityToken><xenc:EncryptedData xmlns:xenc="urn:xenc"><xenc:CipherData><xenc:CipherValue>cipher-a</xenc:CipherValue></xenc:CipherData><xenc:CipherData><xenc:CipherValue>cipher-b</xenc:CipherValue></xenc:CipherData></xenc:EncryptedData></trust:RequestedSecurityToken>
<trust:RequestedAttachedReference><o:SecurityTokenReference xmlns:o="urn:o"><o:KeyIdentifier>_saml-assertion-7</o:KeyIdentifier></o:SecurityTokenReference></trust:RequestedAttachedReference>
<trust:RequestedProofToken><trust:BinarySecret>c2VjcmV0LWtleS1tYXRlcmlhbA==</trust:BinarySecret></trust:RequestedProofToken>
</trust:RequestSecurityTokenResponse>
</trust:RequestSecurityTokenResponseCollection>
</s:Body></s:Envelope>`

type scriptedTransport struct {
	mu     sync.Mutex
	calls  int32
	bodies []string
	resp   []byte
	err    error
}

func (s *scriptedTransport) Post(_ context.Context, _ string, body []byte) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestIssuerIssue(t *testing.T) {
	transport := &scriptedTransport{resp: []byte(issueResponse)}
	issuer := NewIssuer(transport, "https://sts.example.com/trust/13/usernamemixed", "svc@example.com", "hunter2", nil)
	issuer.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	token, err := issuer.Issue(context.Background(), "https://crm.example.com/XRMServices/2011/Organization.svc")
	require.NoError(t, err)

	assert.Contains(t, token.TokenXML, "<xenc:EncryptedData")
	assert.Equal(t, "cipher-a", token.CipherValue0)
	assert.Equal(t, "cipher-b", token.CipherValue1)
	assert.Equal(t, "_saml-assertion-7", token.KeyIdentifier)
	assert.Equal(t, "c2VjcmV0LWtleS1tYXRlcmlhbA==", token.BinarySecret)
	assert.Equal(t, time.Date(2026, 1, 2, 11, 4, 5, 0, time.UTC), token.Expires)

	require.Len(t, transport.bodies, 1)
	sent := transport.bodies[0]
	assert.Contains(t, sent, "http://docs.oasis-open.org/ws-sx/ws-trust/200512/RST/Issue")
	assert.Contains(t, sent, "<o:Username>svc@example.com</o:Username>")
	assert.Contains(t, sent, ">hunter2</o:Password>")
	assert.Contains(t, sent, "<a:Address>https://crm.example.com/XRMServices/2011/Organization.svc</a:Address>")
	assert.Contains(t, sent, "<trust:RequestType>http://docs.oasis-open.org/ws-sx/ws-trust/200512/Issue</trust:RequestType>")
}

func TestIssuerFault(t *testing.T) {
	transport := &scriptedTransport{resp: []byte(`<s:Envelope xmlns:s="urn:s" xmlns:a="urn:a">` +
		`<s:Header><a:Action>http://www.w3.org/2005/08/addressing/soap/fault</a:Action></s:Header>` +
		`<s:Body><s:Fault><s:Code><s:Value>a:FailedAuthentication</s:Value></s:Code>` +
		`<s:Reason><s:Text>ID3242: The security token could not be authenticated.</s:Text></s:Reason></s:Fault></s:Body></s:Envelope>`)}
	issuer := NewIssuer(transport, "https://sts.example.com/trust", "svc@example.com", "wrong", nil)

	_, err := issuer.Issue(context.Background(), "https://crm.example.com/org.svc")
	var fault *soap.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "FailedAuthentication", fault.Code)
}

func TestIssuerMissingTokenMaterial(t *testing.T) {
	transport := &scriptedTransport{resp: []byte(`<s:Envelope xmlns:s="urn:s"><s:Header></s:Header><s:Body><r></r></s:Body></s:Envelope>`)}
	issuer := NewIssuer(transport, "https://sts.example.com/trust", "u", "p", nil)

	_, err := issuer.Issue(context.Background(), "https://crm.example.com/org.svc")
	var pe *soap.ProtocolError
	require.ErrorAs(t, err, &pe)
}

type countingIssuer struct {
	calls int32
	token *soap.SecurityToken
}

func (c *countingIssuer) Issue(context.Context, string) (*soap.SecurityToken, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.token, nil
}

func TestManagerCachesPerEndpoint(t *testing.T) {
	issuer := &countingIssuer{token: &soap.SecurityToken{Expires: time.Now().Add(time.Hour)}}
	mgr := NewManager(issuer)

	for i := 0; i < 3; i++ {
		_, err := mgr.Token(context.Background(), "https://crm.example.com/org.svc")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), issuer.calls)

	_, err := mgr.Token(context.Background(), "https://crm.example.com/discovery.svc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), issuer.calls)
}

func TestManagerRenewsExpired(t *testing.T) {
	issuer := &countingIssuer{token: &soap.SecurityToken{Expires: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}}
	mgr := NewManager(issuer)
	current := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return current }

	_, err := mgr.Token(context.Background(), "ep")
	require.NoError(t, err)
	_, err = mgr.Token(context.Background(), "ep")
	require.NoError(t, err)
	assert.Equal(t, int32(1), issuer.calls)

	current = time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	_, err = mgr.Token(context.Background(), "ep")
	require.NoError(t, err)
	assert.Equal(t, int32(2), issuer.calls)
}

func TestManagerConcurrentSingleExchange(t *testing.T) {
	issuer := &countingIssuer{token: &soap.SecurityToken{Expires: time.Now().Add(time.Hour)}}
	mgr := NewManager(issuer)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Token(context.Background(), "ep")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), issuer.calls)
}
