package salesforce

// bulk.go covers the async data-load endpoint. Job control documents are XML
// in the dataload namespace; batch payloads and results are CSV. The session
// token rides in the X-SFDC-Session header rather than Authorization.

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/forcebench/forcebench/internal/vault"
)

// bulkNamespace is the schema every job control document is rooted in.
const bulkNamespace = "http://www.force.com/2009/06/async/dataload"

// jobRequest is the outbound jobInfo document. Element order is part of the
// endpoint's contract, so the fields stay in wire order.
type jobRequest struct {
	XMLName             xml.Name `xml:"jobInfo"`
	Xmlns               string   `xml:"xmlns,attr"`
	Operation           string   `xml:"operation,omitempty"`
	Object              string   `xml:"object,omitempty"`
	ExternalIDFieldName string   `xml:"externalIdFieldName,omitempty"`
	ContentType         string   `xml:"contentType,omitempty"`
	State               string   `xml:"state,omitempty"`
}

// bulkErrorBody is the endpoint's rejection document.
type bulkErrorBody struct {
	ExceptionCode    string `xml:"exceptionCode"`
	ExceptionMessage string `xml:"exceptionMessage"`
}

// asyncURL joins a path under the async endpoint. Unlike the data endpoint,
// the version segment has no "v" prefix.
func (c *Client) asyncURL(cred vault.Credential, path string) string {
	return cred.InstanceURL + "/services/async/" + c.apiVersion(cred) + path
}

// bulkOnce performs one async-endpoint exchange and returns the raw body.
func (c *Client) bulkOnce(ctx context.Context, cc callContext, op, method, fullURL, contentType string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-SFDC-Session", cc.cred.AccessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.do(req, "bulk", op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		var be bulkErrorBody
		_ = xml.Unmarshal(payload, &be)
		return nil, classify(resp.StatusCode, be.ExceptionCode, be.ExceptionMessage, resp.Header.Get("Retry-After"))
	}
	return payload, nil
}

// bulkCall runs one async exchange under the refresh-and-retry rule.
func (c *Client) bulkCall(ctx context.Context, subjectID, op, method, path, contentType string, body []byte) ([]byte, error) {
	var payload []byte
	err := c.withCredential(ctx, subjectID, op, func(ctx context.Context, cc callContext) error {
		b, err := c.bulkOnce(ctx, cc, op, method, c.asyncURL(cc.cred, path), contentType, body)
		if err != nil {
			return err
		}
		payload = b
		return nil
	})
	return payload, err
}

// marshalJobRequest renders a jobInfo document with the XML header.
func marshalJobRequest(req jobRequest) ([]byte, error) {
	req.Xmlns = bulkNamespace
	buf, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job document: %w", err)
	}
	return append([]byte(xml.Header), buf...), nil
}

// CreateJob opens an async job for op against object and returns the remote
// job ID. externalIDField is required for upsert and ignored otherwise.
func (c *Client) CreateJob(ctx context.Context, subjectID, object string, op OperationKind, externalIDField string) (string, error) {
	if !op.Valid() {
		return "", &ValidationError{Fields: []string{"operation"}, Err: fmt.Errorf("unknown operation %q", op)}
	}
	if object == "" {
		return "", &ValidationError{Fields: []string{"object"}, Err: errors.New("object name must not be empty")}
	}
	if op == OpUpsert && externalIDField == "" {
		return "", &ValidationError{Fields: []string{"externalIdField"}, Err: errors.New("upsert requires an external id field")}
	}
	if op != OpUpsert {
		externalIDField = ""
	}

	doc, err := marshalJobRequest(jobRequest{
		Operation:           string(op),
		Object:              object,
		ExternalIDFieldName: externalIDField,
		ContentType:         "CSV",
	})
	if err != nil {
		return "", err
	}

	payload, err := c.bulkCall(ctx, subjectID, "bulk.createJob", http.MethodPost, "/job", "application/xml", doc)
	if err != nil {
		return "", err
	}
	var info BulkJobInfo
	if err := xml.Unmarshal(payload, &info); err != nil {
		return "", fmt.Errorf("bulk.createJob: decode response: %w", err)
	}
	if info.ID == "" {
		return "", &RemoteError{Status: http.StatusOK, Code: "EMPTY_JOB_ID", Message: "job create returned no id"}
	}
	return info.ID, nil
}

// AddBatch attaches one CSV batch to an open job and returns the batch ID.
func (c *Client) AddBatch(ctx context.Context, subjectID, jobID string, csvBody []byte) (string, error) {
	if len(csvBody) == 0 {
		return "", &ValidationError{Fields: []string{"batch"}, Err: errors.New("batch body must not be empty")}
	}
	payload, err := c.bulkCall(ctx, subjectID, "bulk.addBatch", http.MethodPost, "/job/"+jobID+"/batch", "text/csv; charset=UTF-8", csvBody)
	if err != nil {
		return "", err
	}
	var info BulkBatchInfo
	if err := xml.Unmarshal(payload, &info); err != nil {
		return "", fmt.Errorf("bulk.addBatch: decode response: %w", err)
	}
	if info.ID == "" {
		return "", &RemoteError{Status: http.StatusOK, Code: "EMPTY_BATCH_ID", Message: "batch create returned no id"}
	}
	return info.ID, nil
}

// CloseJob tells the endpoint no more batches are coming, which releases the
// queued batches for processing.
func (c *Client) CloseJob(ctx context.Context, subjectID, jobID string) error {
	return c.setJobState(ctx, subjectID, "bulk.closeJob", jobID, "Closed")
}

// AbortJob cancels the job remotely. Batches already processed stay
// processed; the rest are dropped.
func (c *Client) AbortJob(ctx context.Context, subjectID, jobID string) error {
	return c.setJobState(ctx, subjectID, "bulk.abortJob", jobID, "Aborted")
}

func (c *Client) setJobState(ctx context.Context, subjectID, op, jobID, state string) error {
	doc, err := marshalJobRequest(jobRequest{State: state})
	if err != nil {
		return err
	}
	_, err = c.bulkCall(ctx, subjectID, op, http.MethodPost, "/job/"+jobID, "application/xml", doc)
	return err
}

// JobStatus fetches the job control document with its progress counters.
func (c *Client) JobStatus(ctx context.Context, subjectID, jobID string) (*BulkJobInfo, error) {
	payload, err := c.bulkCall(ctx, subjectID, "bulk.jobStatus", http.MethodGet, "/job/"+jobID, "", nil)
	if err != nil {
		return nil, err
	}
	var info BulkJobInfo
	if err := xml.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("bulk.jobStatus: decode response: %w", err)
	}
	return &info, nil
}

// BatchStatus fetches one batch's control document.
func (c *Client) BatchStatus(ctx context.Context, subjectID, jobID, batchID string) (*BulkBatchInfo, error) {
	payload, err := c.bulkCall(ctx, subjectID, "bulk.batchStatus", http.MethodGet, "/job/"+jobID+"/batch/"+batchID, "", nil)
	if err != nil {
		return nil, err
	}
	var info BulkBatchInfo
	if err := xml.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("bulk.batchStatus: decode response: %w", err)
	}
	return &info, nil
}

// BatchResults fetches and parses one batch's result document. Rows come
// back in submission order; Rownum is the zero-based position within the
// batch.
func (c *Client) BatchResults(ctx context.Context, subjectID, jobID, batchID string) ([]BatchRowResult, error) {
	payload, err := c.bulkCall(ctx, subjectID, "bulk.batchResults", http.MethodGet, "/job/"+jobID+"/batch/"+batchID+"/result", "", nil)
	if err != nil {
		return nil, err
	}
	return parseBatchResults(payload)
}

// parseBatchResults reads the "Id","Success","Created","Error" result CSV.
func parseBatchResults(payload []byte) ([]BatchRowResult, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bulk.batchResults: read result header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	pick := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []BatchRowResult
	for rownum := 0; ; rownum++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bulk.batchResults: read result row %d: %w", rownum, err)
		}
		out = append(out, BatchRowResult{
			Rownum:  rownum,
			ID:      pick(row, "id"),
			Success: strings.EqualFold(pick(row, "success"), "true"),
			Created: strings.EqualFold(pick(row, "created"), "true"),
			Error:   pick(row, "error"),
		})
	}
	return out, nil
}
