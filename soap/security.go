package soap

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"time"

	"github.com/crmlabs/dynabridge/internal/xmldom"
)

// WS-Security and XML digital signature algorithm identifiers.
const (
	nsSecext  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsSecext2 = "http://docs.oasis-open.org/wss/oasis-wss-wssecurity-secext-1.1.xsd"
	nsUtility = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsDSig    = "http://www.w3.org/2000/09/xmldsig#"

	algoExcC14N  = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algoHMACSHA1 = "http://www.w3.org/2000/09/xmldsig#hmac-sha1"
	algoSHA1     = "http://www.w3.org/2000/09/xmldsig#sha1"

	samlTokenType    = "http://docs.oasis-open.org/wss/oasis-wss-saml-token-profile-1.1#SAMLV1.1"
	samlKeyValueType = "http://docs.oasis-open.org/wss/oasis-wss-saml-token-profile-1.0#SAMLAssertionID"
)

// wsTimeFormat is the wire form of WS-Security timestamps; callers append
// the fractional ".00Z" suffix the service expects.
const wsTimeFormat = "2006-01-02T15:04:05"

// FormatTime renders t in the timestamp form used throughout the protocol.
func FormatTime(t time.Time) string {
	return t.UTC().Format(wsTimeFormat) + ".00Z"
}

// SecurityToken is an issued token as returned by the secure token service.
// TokenXML is the verbatim inner markup of the RequestedSecurityToken element
// and is replayed inside every signed request header.
type SecurityToken struct {
	TokenXML      string
	CipherValue0  string
	CipherValue1  string
	BinarySecret  string
	KeyIdentifier string
	Expires       time.Time
}

// Expired reports whether the token is no longer usable at time now.
func (t *SecurityToken) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// SecurityHeader builds the o:Security SOAP header for a token-authenticated
// request: a timestamp valid for one minute from now, the issued token itself,
// and an HMAC-SHA1 signature over the canonicalized timestamp keyed with the
// token's binary secret.
func SecurityHeader(token *SecurityToken, now time.Time) (*xmldom.Node, error) {
	created := FormatTime(now)
	expires := FormatTime(now.Add(time.Minute))

	// Canonical form of the timestamp, with the namespace declared in place.
	canonTimestamp := `<u:Timestamp xmlns:u="` + nsUtility + `" u:Id="_0">` +
		`<u:Created>` + created + `</u:Created>` +
		`<u:Expires>` + expires + `</u:Expires>` +
		`</u:Timestamp>`
	digest := sha1.Sum([]byte(canonTimestamp))
	digestValue := base64.StdEncoding.EncodeToString(digest[:])

	signedInfo := xmldom.New("SignedInfo")
	signedInfo.Child("CanonicalizationMethod").SetAttr("Algorithm", algoExcC14N)
	signedInfo.Child("SignatureMethod").SetAttr("Algorithm", algoHMACSHA1)
	reference := signedInfo.Child("Reference").SetAttr("URI", "#_0")
	reference.Child("Transforms").Child("Transform").SetAttr("Algorithm", algoExcC14N)
	reference.Child("DigestMethod").SetAttr("Algorithm", algoSHA1)
	reference.Child("DigestValue").SetText(digestValue)

	// The signature covers SignedInfo canonicalized with the dsig namespace
	// it inherits from its Signature parent.
	canonSignedInfo := signedInfo.String()
	canonSignedInfo = `<SignedInfo xmlns="` + nsDSig + `"` + canonSignedInfo[len("<SignedInfo"):]

	key, err := base64.StdEncoding.DecodeString(token.BinarySecret)
	if err != nil {
		return nil, &ProtocolError{Reason: "security token binary secret is not valid base64"}
	}
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(canonSignedInfo))
	signatureValue := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	security := xmldom.New("o:Security").
		SetAttr("s:mustUnderstand", "1").
		SetAttr("xmlns:o", nsSecext)
	timestamp := security.Child("u:Timestamp").
		SetAttr("xmlns:u", nsUtility).
		SetAttr("u:Id", "_0")
	timestamp.Child("u:Created").SetText(created)
	timestamp.Child("u:Expires").SetText(expires)
	security.RawChild(token.TokenXML)

	signature := security.Child("Signature").SetAttr("xmlns", nsDSig)
	signature.Add(signedInfo)
	signature.Child("SignatureValue").SetText(signatureValue)
	keyInfo := signature.Child("KeyInfo")
	str := keyInfo.Child("o:SecurityTokenReference").
		SetAttr("k:TokenType", samlTokenType).
		SetAttr("xmlns:k", nsSecext2)
	str.Child("o:KeyIdentifier").
		SetAttr("ValueType", samlKeyValueType).
		SetText(token.KeyIdentifier)

	return security, nil
}
