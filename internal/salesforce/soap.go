package salesforce

// soap.go covers the XML envelope endpoint: object describes, metadata
// listings, and recycle-bin restores. The session rides in a SessionHeader
// element instead of an HTTP header, and faults come back as SOAP Fault
// documents with an sf:-prefixed code.

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forcebench/forcebench/internal/vault"
)

const (
	partnerNamespace  = "urn:partner.soap.sforce.com"
	metadataNamespace = "http://soap.sforce.com/2006/04/metadata"
)

// soapFaultEnvelope extracts the fault fields from a rejection envelope.
type soapFaultEnvelope struct {
	FaultCode   string `xml:"Body>Fault>faultcode"`
	FaultString string `xml:"Body>Fault>faultstring"`
}

// xmlEscape renders s safe for element content.
func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// soapEnvelope wraps body in an envelope carrying the session header. Both
// the header and the body share the urn prefix bound to ns.
func soapEnvelope(ns, sessionID, body string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="`)
	b.WriteString(ns)
	b.WriteString(`"><soapenv:Header><urn:SessionHeader><urn:sessionId>`)
	b.WriteString(xmlEscape(sessionID))
	b.WriteString(`</urn:sessionId></urn:SessionHeader></soapenv:Header><soapenv:Body>`)
	b.WriteString(body)
	b.WriteString(`</soapenv:Body></soapenv:Envelope>`)
	return b.Bytes()
}

// soapOnce performs one envelope exchange and unmarshals the response into
// out when it is non-nil.
func (c *Client) soapOnce(ctx context.Context, cc callContext, op, endpoint, ns, body string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	doc := soapEnvelope(ns, cc.cred.AccessToken, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", `""`)

	resp, err := c.do(req, "soap", op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		var fault soapFaultEnvelope
		_ = xml.Unmarshal(payload, &fault)
		code := fault.FaultCode
		// Fault codes arrive prefix-qualified, e.g. "sf:INVALID_SESSION_ID".
		if i := strings.LastIndex(code, ":"); i >= 0 {
			code = code[i+1:]
		}
		return classify(resp.StatusCode, code, fault.FaultString, resp.Header.Get("Retry-After"))
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) partnerURL(cred vault.Credential) string {
	return cred.InstanceURL + "/services/Soap/u/" + c.apiVersion(cred)
}

func (c *Client) metadataURL(cred vault.Credential) string {
	return cred.InstanceURL + "/services/Soap/m/" + c.apiVersion(cred)
}

// DescribeGlobal lists every object visible to the subject.
func (c *Client) DescribeGlobal(ctx context.Context, subjectID string) ([]SObjectSummary, error) {
	var envelope struct {
		Sobjects []SObjectSummary `xml:"Body>describeGlobalResponse>result>sobjects"`
	}
	err := c.withCredential(ctx, subjectID, "describeGlobal", func(ctx context.Context, cc callContext) error {
		return c.soapOnce(ctx, cc, "describeGlobal", c.partnerURL(cc.cred), partnerNamespace,
			`<urn:describeGlobal/>`, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return envelope.Sobjects, nil
}

// DescribeSObject returns the field-level describe for one object, serving
// from the per-subject cache when a fresh entry exists.
func (c *Client) DescribeSObject(ctx context.Context, subjectID, name string) (*ObjectDescribe, error) {
	if name == "" {
		return nil, &ValidationError{Fields: []string{"object"}, Err: errors.New("object name must not be empty")}
	}
	if d, ok := c.describes.Get(subjectID, name); ok {
		return d, nil
	}

	var envelope struct {
		Result ObjectDescribe `xml:"Body>describeSObjectResponse>result"`
	}
	err := c.withCredential(ctx, subjectID, "describeSObject", func(ctx context.Context, cc callContext) error {
		body := `<urn:describeSObject><urn:sObjectType>` + xmlEscape(name) + `</urn:sObjectType></urn:describeSObject>`
		return c.soapOnce(ctx, cc, "describeSObject", c.partnerURL(cc.cred), partnerNamespace, body, &envelope)
	})
	if err != nil {
		return nil, err
	}

	describe := envelope.Result
	c.describes.Put(subjectID, name, &describe)
	return &describe, nil
}

// ListMetadata lists components of one metadata type.
func (c *Client) ListMetadata(ctx context.Context, subjectID, metadataType string) ([]MetadataComponent, error) {
	if metadataType == "" {
		return nil, &ValidationError{Fields: []string{"type"}, Err: errors.New("metadata type must not be empty")}
	}

	var envelope struct {
		Results []MetadataComponent `xml:"Body>listMetadataResponse>result"`
	}
	err := c.withCredential(ctx, subjectID, "listMetadata", func(ctx context.Context, cc callContext) error {
		body := `<urn:listMetadata><urn:queries><urn:type>` + xmlEscape(metadataType) + `</urn:type></urn:queries>` +
			`<urn:asOfVersion>` + xmlEscape(c.apiVersion(cc.cred)) + `</urn:asOfVersion></urn:listMetadata>`
		return c.soapOnce(ctx, cc, "listMetadata", c.metadataURL(cc.cred), metadataNamespace, body, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

// Undelete restores a record from the recycle bin. The JSON surface has no
// recycle-bin operation, so this logical op rides the envelope transport.
func (c *Client) Undelete(ctx context.Context, subjectID, id string) (*SaveResult, error) {
	if id == "" {
		return nil, &ValidationError{Fields: []string{"id"}, Err: errors.New("record id must not be empty")}
	}

	var envelope struct {
		Result struct {
			ID      string `xml:"id"`
			Success bool   `xml:"success"`
			Errors  []struct {
				StatusCode string `xml:"statusCode"`
				Message    string `xml:"message"`
			} `xml:"errors"`
		} `xml:"Body>undeleteResponse>result"`
	}
	err := c.withCredential(ctx, subjectID, "undelete", func(ctx context.Context, cc callContext) error {
		body := `<urn:undelete><urn:ids>` + xmlEscape(id) + `</urn:ids></urn:undelete>`
		return c.soapOnce(ctx, cc, "undelete", c.partnerURL(cc.cred), partnerNamespace, body, &envelope)
	})
	if err != nil {
		return nil, err
	}

	sr := &SaveResult{ID: envelope.Result.ID, Success: envelope.Result.Success}
	for _, e := range envelope.Result.Errors {
		sr.Errors = append(sr.Errors, SaveError{StatusCode: e.StatusCode, Message: e.Message})
	}
	return sr, nil
}
