package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/salesforce"
)

// InsertClient is the slice of the platform client the submitter needs for
// synchronous inserts and field metadata. *salesforce.Client satisfies it.
type InsertClient interface {
	Insert(ctx context.Context, subjectID, object string, fields map[string]string) (*salesforce.SaveResult, error)
	DescribeSObject(ctx context.Context, subjectID, name string) (*salesforce.ObjectDescribe, error)
}

// Submitter executes confirmed wizard payloads: direct rows go to the org
// synchronously one record at a time, staged files become bulk jobs through
// the orchestrator. It satisfies the wizard's Submitter contract.
type Submitter struct {
	client    InsertClient
	orch      *Orchestrator
	audit     AuditSink
	uploadDir string
}

// NewSubmitter wires a Submitter. audit may be nil.
func NewSubmitter(client InsertClient, orch *Orchestrator, uploadDir string, audit AuditSink) *Submitter {
	return &Submitter{
		client:    client,
		orch:      orch,
		audit:     audit,
		uploadDir: uploadDir,
	}
}

// InsertRows inserts each row through the synchronous channel. A row the
// platform rejects becomes a failed SaveResult and the remaining rows still
// run; only auth, transport and rate-limit failures abort the pass, since
// they would fail every following row the same way.
func (s *Submitter) InsertRows(ctx context.Context, subjectID, object string, rows []map[string]string) ([]salesforce.SaveResult, error) {
	if len(rows) == 0 {
		return nil, &salesforce.ValidationError{
			Fields: []string{"rows"},
			Err:    errors.New("no rows to insert"),
		}
	}

	start := time.Now()
	results := make([]salesforce.SaveResult, 0, len(rows))
	succeeded := 0
	for i, row := range rows {
		res, err := s.client.Insert(ctx, subjectID, object, row)
		if err != nil {
			var remote *salesforce.RemoteError
			if errors.As(err, &remote) {
				results = append(results, salesforce.SaveResult{
					Success: false,
					Errors: []salesforce.SaveError{{
						StatusCode: remote.Code,
						Message:    remote.Message,
					}},
				})
				continue
			}
			return nil, fmt.Errorf("insert row %d: %w", i+1, err)
		}
		results = append(results, *res)
		if res.Success {
			succeeded++
		}
	}

	if s.audit != nil {
		s.audit.RecordOperation(ctx, AuditEntry{
			SubjectID:  subjectID,
			ObjectName: object,
			Operation:  salesforce.OpInsert,
			State:      StateCompleted,
			Total:      len(rows),
			Succeeded:  succeeded,
			Failed:     len(rows) - succeeded,
			Duration:   time.Since(start),
		})
	}
	return results, nil
}

// SubmitFile materializes a staged upload through its mapping and hands the
// usable rows to the orchestrator as one insert job. Rows the mapping cannot
// use are skipped, consistent with per-row best effort everywhere else; a
// file with no usable rows at all fails validation before any network call.
func (s *Submitter) SubmitFile(ctx context.Context, subjectID, object, fileRef string, mapping ingest.Mapping) (string, error) {
	desc, err := s.client.DescribeSObject(ctx, subjectID, object)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", object, err)
	}

	f, err := s.openStaged(fileRef)
	if err != nil {
		return "", err
	}
	defer f.Close()

	result, err := ingest.Materialize(f, mapping, desc.Fields)
	if err != nil {
		return "", err
	}
	if len(result.Records) == 0 {
		return "", &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    fmt.Errorf("no usable rows in %d data rows", result.TotalRows),
		}
	}
	if n := len(result.RowErrors); n > 0 {
		logging.FromContext(ctx).Warn("rows skipped during materialization",
			"file_ref", fileRef, "skipped", n, "usable", len(result.Records))
	}

	rec, err := s.orch.Submit(ctx, SubmitRequest{
		SubjectID:  subjectID,
		ObjectName: object,
		Operation:  salesforce.OpInsert,
		Records:    result.Records,
	})
	if err != nil {
		return "", err
	}
	return rec.JobID, nil
}

// openStaged opens a staged upload by its reference. Only the base name is
// honored, so a crafted reference cannot reach outside the staging dir.
func (s *Submitter) openStaged(fileRef string) (*os.File, error) {
	name := filepath.Base(filepath.Clean(fileRef))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    fmt.Errorf("invalid file reference %q", fileRef),
		}
	}
	f, err := os.Open(filepath.Join(s.uploadDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &salesforce.ValidationError{
				Fields: []string{"file"},
				Err:    fmt.Errorf("staged file %q no longer exists", name),
			}
		}
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	return f, nil
}
