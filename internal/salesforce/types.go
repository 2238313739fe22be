package salesforce

import "strings"

// OperationKind names a data-load operation the platform understands.
type OperationKind string

const (
	OpInsert   OperationKind = "insert"
	OpUpdate   OperationKind = "update"
	OpUpsert   OperationKind = "upsert"
	OpDelete   OperationKind = "delete"
	OpUndelete OperationKind = "undelete"
)

// Valid reports whether k is a known operation.
func (k OperationKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpUpsert, OpDelete, OpUndelete:
		return true
	}
	return false
}

// QueryResult is one page of query records. NextRecordsURL is non-empty when
// Done is false and feeds QueryMore.
type QueryResult struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl,omitempty"`
	Records        []map[string]any `json:"records"`
}

// SearchResult holds SOSL matches across objects.
type SearchResult struct {
	SearchRecords []map[string]any `json:"searchRecords"`
}

// SaveError is one reason a row-level save failed.
type SaveError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields,omitempty"`
}

// SaveResult is the per-record outcome of an insert, upsert or undelete.
type SaveResult struct {
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Created bool        `json:"created,omitempty"`
	Errors  []SaveError `json:"errors,omitempty"`
}

// ExecuteResult is the outcome of an anonymous Apex execution.
type ExecuteResult struct {
	Line                int    `json:"line"`
	Column              int    `json:"column"`
	Compiled            bool   `json:"compiled"`
	Success             bool   `json:"success"`
	CompileProblem      string `json:"compileProblem,omitempty"`
	ExceptionMessage    string `json:"exceptionMessage,omitempty"`
	ExceptionStackTrace string `json:"exceptionStackTrace,omitempty"`
}

// LimitInfo is one org limit bucket.
type LimitInfo struct {
	Max       int `json:"Max"`
	Remaining int `json:"Remaining"`
}

// UserInfo is the identity document behind an access token.
type UserInfo struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Username       string `json:"preferred_username"`
	Email          string `json:"email"`
	Name           string `json:"name"`
}

// Subject derives the vault subject identity for this user. Credentials are
// scoped per org and user, so both halves go into the key.
func (u UserInfo) Subject() string {
	return u.OrganizationID + ":" + u.UserID
}

// SObjectSummary is one entry of the global object listing.
type SObjectSummary struct {
	Name       string `xml:"name" json:"name"`
	Label      string `xml:"label" json:"label"`
	KeyPrefix  string `xml:"keyPrefix" json:"keyPrefix,omitempty"`
	Custom     bool   `xml:"custom" json:"custom"`
	Queryable  bool   `xml:"queryable" json:"queryable"`
	Createable bool   `xml:"createable" json:"createable"`
	Updateable bool   `xml:"updateable" json:"updateable"`
}

// FieldDescriptor describes one field of an object.
type FieldDescriptor struct {
	Name              string `xml:"name" json:"name"`
	Label             string `xml:"label" json:"label"`
	Type              string `xml:"type" json:"type"`
	Length            int    `xml:"length" json:"length,omitempty"`
	Nillable          bool   `xml:"nillable" json:"nillable"`
	Createable        bool   `xml:"createable" json:"createable"`
	Updateable        bool   `xml:"updateable" json:"updateable"`
	Custom            bool   `xml:"custom" json:"custom"`
	DefaultedOnCreate bool   `xml:"defaultedOnCreate" json:"defaultedOnCreate"`
}

// Required reports whether a value must be supplied on create.
func (f FieldDescriptor) Required() bool {
	return !f.Nillable && f.Createable
}

// ObjectDescribe is the field-level description of one object.
type ObjectDescribe struct {
	Name   string            `xml:"name" json:"name"`
	Label  string            `xml:"label" json:"label"`
	Custom bool              `xml:"custom" json:"custom"`
	Fields []FieldDescriptor `xml:"fields" json:"fields"`
}

// Field returns the descriptor for name, matching case-insensitively the way
// the platform resolves field names.
func (d *ObjectDescribe) Field(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// RequiredFields lists the names of all fields required on create.
func (d *ObjectDescribe) RequiredFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Required() {
			out = append(out, f.Name)
		}
	}
	return out
}

// CreateableFields lists the names of all fields writable on create.
func (d *ObjectDescribe) CreateableFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Createable {
			out = append(out, f.Name)
		}
	}
	return out
}

// BulkJobInfo mirrors the async endpoint's jobInfo document.
type BulkJobInfo struct {
	ID                      string `xml:"id" json:"id"`
	Operation               string `xml:"operation" json:"operation"`
	Object                  string `xml:"object" json:"object"`
	State                   string `xml:"state" json:"state"`
	NumberBatchesQueued     int    `xml:"numberBatchesQueued" json:"numberBatchesQueued"`
	NumberBatchesInProgress int    `xml:"numberBatchesInProgress" json:"numberBatchesInProgress"`
	NumberBatchesCompleted  int    `xml:"numberBatchesCompleted" json:"numberBatchesCompleted"`
	NumberBatchesFailed     int    `xml:"numberBatchesFailed" json:"numberBatchesFailed"`
	NumberBatchesTotal      int    `xml:"numberBatchesTotal" json:"numberBatchesTotal"`
	NumberRecordsProcessed  int    `xml:"numberRecordsProcessed" json:"numberRecordsProcessed"`
	NumberRecordsFailed     int    `xml:"numberRecordsFailed" json:"numberRecordsFailed"`
	APIVersion              string `xml:"apiVersion" json:"apiVersion,omitempty"`
}

// BatchesDone reports whether every batch reached a terminal state.
func (j *BulkJobInfo) BatchesDone() bool {
	return j.NumberBatchesTotal > 0 &&
		j.NumberBatchesQueued == 0 &&
		j.NumberBatchesInProgress == 0
}

// BulkBatchInfo mirrors the async endpoint's batchInfo document.
type BulkBatchInfo struct {
	ID                     string `xml:"id" json:"id"`
	JobID                  string `xml:"jobId" json:"jobId"`
	State                  string `xml:"state" json:"state"`
	StateMessage           string `xml:"stateMessage" json:"stateMessage,omitempty"`
	NumberRecordsProcessed int    `xml:"numberRecordsProcessed" json:"numberRecordsProcessed"`
	NumberRecordsFailed    int    `xml:"numberRecordsFailed" json:"numberRecordsFailed"`
}

// BatchRowResult is one row of a batch result document, in submission order.
type BatchRowResult struct {
	Rownum  int    `json:"rownum"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

// MetadataComponent is one entry of a metadata listing.
type MetadataComponent struct {
	Type             string `xml:"type" json:"type"`
	FullName         string `xml:"fullName" json:"fullName"`
	FileName         string `xml:"fileName" json:"fileName,omitempty"`
	ID               string `xml:"id" json:"id,omitempty"`
	LastModifiedDate string `xml:"lastModifiedDate" json:"lastModifiedDate,omitempty"`
}
