package job

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/metrics"
	"github.com/forcebench/forcebench/internal/salesforce"
)

var (
	// ErrNotFound is returned when no job with the given ID is tracked or stored.
	ErrNotFound = errors.New("job not found")

	// ErrTerminal is returned when an abort targets a job that already finished.
	ErrTerminal = errors.New("job already in a terminal state")

	// ErrShutdown is returned by Submit after Shutdown has begun.
	ErrShutdown = errors.New("job orchestrator is shutting down")
)

// RemoteClient is the slice of the platform client the orchestrator drives.
// *salesforce.Client satisfies it.
type RemoteClient interface {
	CreateJob(ctx context.Context, subjectID, object string, op salesforce.OperationKind, externalIDField string) (string, error)
	AddBatch(ctx context.Context, subjectID, jobID string, csvBody []byte) (string, error)
	CloseJob(ctx context.Context, subjectID, jobID string) error
	AbortJob(ctx context.Context, subjectID, jobID string) error
	JobStatus(ctx context.Context, subjectID, jobID string) (*salesforce.BulkJobInfo, error)
	BatchResults(ctx context.Context, subjectID, jobID, batchID string) ([]salesforce.BatchRowResult, error)
	Undelete(ctx context.Context, subjectID, id string) (*salesforce.SaveResult, error)
}

// Store persists job records so terminal status survives the active window.
type Store interface {
	SaveJob(ctx context.Context, rec *Record) error
	GetJob(ctx context.Context, jobID string) (*Record, error)
	ListJobs(ctx context.Context, subjectID string, limit int) ([]*Record, error)
}

// AuditEntry summarizes one finished job for the operation audit trail.
type AuditEntry struct {
	JobID      string
	SubjectID  string
	ObjectName string
	Operation  OperationKind
	State      State
	Total      int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// AuditSink receives one entry per terminal job. A nil sink disables auditing.
type AuditSink interface {
	RecordOperation(ctx context.Context, e AuditEntry)
}

// Config bounds the orchestrator's batching, polling and retention behavior.
type Config struct {
	BatchSize    int
	MaxBatchSize int
	PollInterval time.Duration
	JobTimeout   time.Duration
	RetainFor    time.Duration
	Backoff      BackoffPolicy

	MaxConcurrent int
	MaxWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10000
	}
	if c.BatchSize > c.MaxBatchSize {
		c.BatchSize = c.MaxBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 10 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrentJobs
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultSlotWait
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Audit     AuditSink
	Describes *salesforce.DescribeCache
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// SubmitRequest describes one bulk operation to run.
type SubmitRequest struct {
	SubjectID       string
	ObjectName      string
	Operation       OperationKind
	ExternalIDField string
	Records         []ingest.IndexedRecord
}

// Orchestrator runs bulk jobs end to end: submission, chunked batch upload,
// background status polling and terminal result collection. Job records pass
// through the state machine in Record and are persisted on every change, so a
// caller polling Status sees monotonic progress even across restarts.
type Orchestrator struct {
	client  RemoteClient
	store   Store
	audit   AuditSink
	cache   *salesforce.DescribeCache
	metrics *metrics.Recorder
	logger  *slog.Logger
	cfg     Config

	limiter *Limiter

	mu     sync.Mutex
	active map[string]*activeJob

	closed     atomic.Bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// activeJob is the in-memory tracking state for one job between Submit and
// the end of its retention window.
type activeJob struct {
	mu     sync.Mutex
	record *Record
	rows   []ingest.IndexedRecord
	chunks []chunkRef

	aborted atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	listenerMu sync.Mutex
	listeners  []chan Record

	expire *time.Timer
}

// chunkRef ties a remote batch to its slice of the submitted rows.
type chunkRef struct {
	batchID string
	offset  int
	size    int
}

func (aj *activeJob) snapshot() *Record {
	aj.mu.Lock()
	defer aj.mu.Unlock()
	return aj.record.Clone()
}

// notify fans the current record out to all listeners without blocking. A
// listener that has fallen behind misses intermediate snapshots, never the
// terminal one (closeListeners is only called after the final notify).
func (aj *activeJob) notify() {
	snap := aj.snapshot()
	aj.listenerMu.Lock()
	defer aj.listenerMu.Unlock()
	for _, ch := range aj.listeners {
		select {
		case ch <- *snap:
		default:
		}
	}
}

func (aj *activeJob) closeListeners() {
	aj.listenerMu.Lock()
	defer aj.listenerMu.Unlock()
	for _, ch := range aj.listeners {
		close(ch)
	}
	aj.listeners = nil
}

// New builds an Orchestrator around a platform client and a job store.
func New(client RemoteClient, store Store, cfg Config, opts Options) *Orchestrator {
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		client:     client,
		store:      store,
		audit:      opts.Audit,
		cache:      opts.Describes,
		metrics:    opts.Metrics,
		logger:     logger,
		cfg:        cfg,
		limiter:    NewLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		active:     make(map[string]*activeJob),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Submit validates the request, creates the remote job, uploads the rows in
// batches and spawns the poll worker. It returns as soon as the job is queued
// remotely; progress is observed via Status or Subscribe.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := o.preflight(req); err != nil {
		return nil, err
	}
	if o.closed.Load() {
		return nil, ErrShutdown
	}
	if err := o.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			o.limiter.Release()
		}
	}()

	log := logging.FromContext(ctx)

	now := time.Now().UTC()
	rec := &Record{
		JobID:           uuid.NewString(),
		SubjectID:       req.SubjectID,
		ObjectName:      req.ObjectName,
		Operation:       req.Operation,
		ExternalIDField: req.ExternalIDField,
		State:           StateOpen,
		TotalRecords:    len(req.Records),
		CreatedAt:       now,
	}

	aj := &activeJob{
		record: rec,
		rows:   req.Records,
		done:   make(chan struct{}),
	}

	if req.Operation == salesforce.OpUndelete {
		// The async batch transport has no undelete operation; those run
		// row by row over the SOAP channel instead.
		if err := rec.advance(StateQueued); err != nil {
			return nil, err
		}
	} else {
		remoteID, err := o.client.CreateJob(ctx, req.SubjectID, req.ObjectName, req.Operation, req.ExternalIDField)
		if err != nil {
			return nil, fmt.Errorf("create remote job: %w", err)
		}
		rec.RemoteID = remoteID

		fields := fieldOrder(req.Records)
		for offset := 0; offset < len(req.Records); offset += o.cfg.BatchSize {
			end := offset + o.cfg.BatchSize
			if end > len(req.Records) {
				end = len(req.Records)
			}
			body, err := encodeBatchCSV(fields, req.Records[offset:end])
			if err != nil {
				o.abandonRemote(req.SubjectID, remoteID)
				return nil, fmt.Errorf("encode batch %d: %w", len(aj.chunks)+1, err)
			}
			batchID, err := o.client.AddBatch(ctx, req.SubjectID, remoteID, body)
			if err != nil {
				o.abandonRemote(req.SubjectID, remoteID)
				return nil, fmt.Errorf("submit batch %d: %w", len(aj.chunks)+1, err)
			}
			aj.chunks = append(aj.chunks, chunkRef{batchID: batchID, offset: offset, size: end - offset})
		}

		if err := o.client.CloseJob(ctx, req.SubjectID, remoteID); err != nil {
			o.abandonRemote(req.SubjectID, remoteID)
			return nil, fmt.Errorf("close remote job: %w", err)
		}
		if err := rec.advance(StateQueued); err != nil {
			return nil, err
		}
	}

	if err := o.store.SaveJob(ctx, rec); err != nil {
		// The remote job is already running; keep tracking it in memory.
		log.Error("persist job record", "job_id", rec.JobID, "error", err)
	}

	workerCtx, cancel := context.WithTimeout(o.rootCtx, o.cfg.JobTimeout)
	aj.cancel = cancel

	o.mu.Lock()
	o.active[rec.JobID] = aj
	o.mu.Unlock()

	o.metrics.IncJobSubmitted()
	log.Info("job submitted",
		"job_id", rec.JobID,
		"remote_id", rec.RemoteID,
		"object", req.ObjectName,
		"operation", string(req.Operation),
		"records", rec.TotalRecords,
		"batches", len(aj.chunks))

	handedOff = true
	if req.Operation == salesforce.OpUndelete {
		go o.rowWorker(workerCtx, aj)
	} else {
		go o.pollWorker(workerCtx, aj)
	}

	return rec.Clone(), nil
}

func validateRequest(req SubmitRequest) error {
	var merr *multierror.Error
	var offending []string
	flag := func(field, format string, args ...any) {
		offending = append(offending, field)
		merr = multierror.Append(merr, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(req.SubjectID) == "" {
		flag("subjectId", "subject is required")
	}
	if strings.TrimSpace(req.ObjectName) == "" {
		flag("objectName", "object name is required")
	}
	if !req.Operation.Valid() {
		flag("operation", "unknown operation %q", string(req.Operation))
	}
	if req.Operation == salesforce.OpUpsert && strings.TrimSpace(req.ExternalIDField) == "" {
		flag("externalIdField", "upsert requires an external ID field")
	}
	if len(req.Records) == 0 {
		flag("records", "at least one record is required")
	}
	if req.Operation == salesforce.OpUndelete {
		for _, r := range req.Records {
			if strings.TrimSpace(r.Fields["Id"]) == "" {
				flag("Id", "row %d: undelete requires an Id value", r.RowIndex)
				break
			}
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return &salesforce.ValidationError{Fields: offending, Err: err}
	}
	return nil
}

// preflight checks the request against cached object metadata. It never goes
// to the network: a cache miss skips the check and the remote stays the
// authority on field-level errors.
func (o *Orchestrator) preflight(req SubmitRequest) error {
	if o.cache == nil {
		return nil
	}
	if req.Operation != salesforce.OpInsert && req.Operation != salesforce.OpUpsert && req.Operation != salesforce.OpUpdate {
		return nil
	}
	desc, ok := o.cache.Get(req.SubjectID, req.ObjectName)
	if !ok || len(req.Records) == 0 {
		return nil
	}

	var merr *multierror.Error
	var offending []string
	flag := func(field, format string, args ...any) {
		offending = append(offending, field)
		merr = multierror.Append(merr, fmt.Errorf(format, args...))
	}

	mapped := make(map[string]bool)
	for name := range req.Records[0].Fields {
		mapped[strings.ToLower(name)] = true
		f, known := desc.Field(name)
		if !known {
			flag(name, "field %q does not exist on %s", name, req.ObjectName)
			continue
		}
		switch req.Operation {
		case salesforce.OpInsert:
			if !f.Createable {
				flag(name, "field %q is not createable", name)
			}
		case salesforce.OpUpdate:
			if !f.Updateable && !strings.EqualFold(name, "Id") {
				flag(name, "field %q is not updateable", name)
			}
		case salesforce.OpUpsert:
			if !f.Createable && !strings.EqualFold(name, req.ExternalIDField) {
				flag(name, "field %q is not createable", name)
			}
		}
	}
	if req.Operation != salesforce.OpUpdate {
		for _, required := range desc.RequiredFields() {
			if f, known := desc.Field(required); known && f.DefaultedOnCreate {
				continue
			}
			if !mapped[strings.ToLower(required)] {
				flag(required, "required field %q has no value", required)
			}
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return &salesforce.ValidationError{Fields: offending, Err: err}
	}
	return nil
}

// fieldOrder returns the column set for the batch CSV: union of all row keys,
// sorted for a stable header.
func fieldOrder(records []ingest.IndexedRecord) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range records {
		for name := range r.Fields {
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func encodeBatchCSV(fields []string, records []ingest.IndexedRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	row := make([]string, len(fields))
	for _, r := range records {
		for i, f := range fields {
			row[i] = r.Fields[f]
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// abandonRemote aborts a half-submitted remote job so orphaned batches do not
// keep consuming the org's bulk quota.
func (o *Orchestrator) abandonRemote(subjectID, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.client.AbortJob(ctx, subjectID, remoteID); err != nil {
		o.logger.Warn("abort abandoned remote job", "remote_id", remoteID, "error", err)
	}
}

// pollWorker drives one bulk job from Queued to a terminal state. Transient
// transport and rate-limit errors back off and retry; anything else fails the
// job immediately.
func (o *Orchestrator) pollWorker(ctx context.Context, aj *activeJob) {
	defer o.limiter.Release()
	defer close(aj.done)
	defer aj.cancel()

	log := o.logger.With("job_id", aj.record.JobID)
	failures := 0

	for {
		if aj.aborted.Load() {
			o.finalize(aj, StateAborted, "")
			return
		}
		if err := sleepCtx(ctx, o.cfg.PollInterval); err != nil {
			o.concludeCanceled(aj, log)
			return
		}
		if aj.aborted.Load() {
			o.finalize(aj, StateAborted, "")
			return
		}

		o.metrics.IncPollCycle()
		info, err := o.pollOnce(ctx, aj)
		if err != nil {
			delay, retryable := o.retryDelay(err, failures+1)
			if !retryable {
				log.Error("job poll failed", "error", err)
				o.finalize(aj, StateFailed, fmt.Sprintf("status poll failed: %v", err))
				return
			}
			failures++
			if failures >= o.cfg.Backoff.MaxAttempts {
				log.Error("job poll retries exhausted", "attempts", failures, "error", err)
				o.finalize(aj, StateFailed, fmt.Sprintf("status poll failed after %d attempts: %v", failures, err))
				return
			}
			log.Warn("job poll failed, backing off", "attempt", failures, "delay", delay, "error", err)
			if err := sleepCtx(ctx, delay); err != nil {
				o.concludeCanceled(aj, log)
				return
			}
			continue
		}
		failures = 0

		aj.mu.Lock()
		rec := aj.record
		if rec.State == StateQueued && remoteStarted(info) {
			if err := rec.advance(StateInProgress); err != nil {
				log.Warn("advance job state", "error", err)
			}
		}
		polled := time.Now().UTC()
		rec.LastPolledAt = &polled
		rec.applyCounts(info.NumberRecordsProcessed, info.NumberRecordsFailed)
		aj.mu.Unlock()

		o.persistProgress(aj, log)
		aj.notify()

		switch {
		case strings.EqualFold(info.State, "Aborted"):
			o.finalize(aj, StateAborted, "")
			return
		case strings.EqualFold(info.State, "Failed"):
			o.collectResults(ctx, aj, log)
			o.finalize(aj, StateFailed, "")
			return
		case info.BatchesDone():
			o.collectResults(ctx, aj, log)
			o.finalize(aj, StateCompleted, "")
			return
		}
	}
}

// rowWorker runs operations the batch transport does not support, one record
// at a time over the synchronous channel. Currently that is undelete only.
func (o *Orchestrator) rowWorker(ctx context.Context, aj *activeJob) {
	defer o.limiter.Release()
	defer close(aj.done)
	defer aj.cancel()

	log := o.logger.With("job_id", aj.record.JobID)

	aj.mu.Lock()
	subjectID := aj.record.SubjectID
	rows := aj.rows
	if err := aj.record.advance(StateInProgress); err != nil {
		log.Warn("advance job state", "error", err)
	}
	aj.mu.Unlock()

	failures := 0
	for i := 0; i < len(rows); {
		if aj.aborted.Load() {
			o.finalize(aj, StateAborted, "")
			return
		}
		if ctx.Err() != nil {
			o.concludeCanceled(aj, log)
			return
		}

		row := rows[i]
		res, err := o.client.Undelete(ctx, subjectID, strings.TrimSpace(row.Fields["Id"]))
		if err != nil {
			delay, retryable := o.retryDelay(err, failures+1)
			if retryable {
				failures++
				if failures < o.cfg.Backoff.MaxAttempts {
					log.Warn("undelete row failed, backing off", "row", row.RowIndex, "attempt", failures, "delay", delay, "error", err)
					if serr := sleepCtx(ctx, delay); serr != nil {
						o.concludeCanceled(aj, log)
						return
					}
					continue
				}
				log.Error("undelete retries exhausted", "attempts", failures, "error", err)
				o.finalize(aj, StateFailed, fmt.Sprintf("undelete failed after %d attempts: %v", failures, err))
				return
			}
			var authErr *salesforce.AuthError
			if errors.As(err, &authErr) {
				log.Error("undelete session expired", "error", err)
				o.finalize(aj, StateFailed, fmt.Sprintf("undelete failed: %v", err))
				return
			}
			// Remote rejection of this row only; record it and move on.
			o.recordRow(aj, row, false, err.Error())
		} else if !res.Success {
			o.recordRow(aj, row, false, saveErrorMessage(res.Errors))
		} else {
			o.recordRow(aj, row, true, "")
		}
		failures = 0
		i++

		if i%25 == 0 {
			o.persistProgress(aj, log)
		}
		aj.notify()
	}

	o.finalize(aj, StateCompleted, "")
}

func (o *Orchestrator) recordRow(aj *activeJob, row ingest.IndexedRecord, ok bool, msg string) {
	aj.mu.Lock()
	defer aj.mu.Unlock()
	rec := aj.record
	rec.ProcessedRecords++
	if ok {
		rec.SuccessCount++
		return
	}
	rec.ErrorCount++
	rec.appendRowErrors(RowError{RowIndex: row.RowIndex, Message: msg, OriginalRecord: row.Fields})
}

func saveErrorMessage(errs []salesforce.SaveError) string {
	if len(errs) == 0 {
		return "operation failed"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.StatusCode != "" {
			parts = append(parts, e.StatusCode+": "+e.Message)
		} else {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// retryDelay classifies err and returns how long to wait before the given
// attempt. Rate-limit hints from the remote win over the computed backoff.
func (o *Orchestrator) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rateErr *salesforce.RateLimitedError
	if errors.As(err, &rateErr) {
		delay := o.cfg.Backoff.Delay(attempt)
		if rateErr.RetryAfter > delay {
			delay = rateErr.RetryAfter
		}
		return delay, true
	}
	var transportErr *salesforce.TransportError
	if errors.As(err, &transportErr) {
		return o.cfg.Backoff.Delay(attempt), true
	}
	return 0, false
}

func remoteStarted(info *salesforce.BulkJobInfo) bool {
	return info.NumberBatchesInProgress > 0 ||
		info.NumberBatchesCompleted > 0 ||
		info.NumberBatchesFailed > 0 ||
		info.NumberRecordsProcessed > 0
}

func (o *Orchestrator) pollOnce(ctx context.Context, aj *activeJob) (*salesforce.BulkJobInfo, error) {
	aj.mu.Lock()
	subjectID, remoteID := aj.record.SubjectID, aj.record.RemoteID
	aj.mu.Unlock()
	return o.client.JobStatus(ctx, subjectID, remoteID)
}

// concludeCanceled decides between Aborted and a timeout failure when the
// worker context ends before the remote job does.
func (o *Orchestrator) concludeCanceled(aj *activeJob, log *slog.Logger) {
	if aj.aborted.Load() {
		o.finalize(aj, StateAborted, "")
		return
	}
	log.Error("job timed out before reaching a terminal state")
	o.finalize(aj, StateFailed, "job timed out before the remote job finished")
}

// collectResults pulls per-batch row results and merges them onto the
// original row indexes. Best-effort: a batch whose results cannot be fetched
// leaves the counters from the last status poll in place.
func (o *Orchestrator) collectResults(ctx context.Context, aj *activeJob, log *slog.Logger) {
	aj.mu.Lock()
	subjectID, remoteID := aj.record.SubjectID, aj.record.RemoteID
	chunks := aj.chunks
	rows := aj.rows
	aj.mu.Unlock()

	var rowErrs []RowError
	processed, failed := 0, 0
	complete := true
	for _, ch := range chunks {
		results, err := o.client.BatchResults(ctx, subjectID, remoteID, ch.batchID)
		if err != nil {
			log.Warn("fetch batch results", "batch_id", ch.batchID, "error", err)
			complete = false
			continue
		}
		for _, res := range results {
			processed++
			if res.Success {
				continue
			}
			failed++
			re := RowError{RowIndex: SyntheticRowIndex, Message: res.Error}
			if idx := ch.offset + res.Rownum; idx >= 0 && idx < len(rows) && res.Rownum < ch.size {
				re.RowIndex = rows[idx].RowIndex
				re.OriginalRecord = rows[idx].Fields
			}
			rowErrs = append(rowErrs, re)
		}
	}

	aj.mu.Lock()
	if complete {
		aj.record.applyCounts(processed, failed)
	}
	aj.record.appendRowErrors(rowErrs...)
	aj.mu.Unlock()
}

// finalize moves the job to a terminal state exactly once, persists it,
// records the audit entry, notifies listeners and schedules eviction from
// the active map.
func (o *Orchestrator) finalize(aj *activeJob, terminal State, syntheticMsg string) {
	aj.mu.Lock()
	rec := aj.record
	if rec.State.Terminal() {
		aj.mu.Unlock()
		return
	}
	if syntheticMsg != "" {
		rec.appendRowErrors(RowError{RowIndex: SyntheticRowIndex, Message: syntheticMsg})
	}
	if err := rec.advance(terminal); err != nil {
		o.logger.Warn("advance job state", "job_id", rec.JobID, "error", err)
	}
	snap := rec.Clone()
	aj.rows = nil
	aj.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.SaveJob(ctx, snap); err != nil {
		o.logger.Error("persist terminal job record", "job_id", snap.JobID, "error", err)
	}
	if o.audit != nil {
		entry := AuditEntry{
			JobID:      snap.JobID,
			SubjectID:  snap.SubjectID,
			ObjectName: snap.ObjectName,
			Operation:  snap.Operation,
			State:      snap.State,
			Total:      snap.TotalRecords,
			Succeeded:  snap.SuccessCount,
			Failed:     snap.ErrorCount,
		}
		if snap.CompletedAt != nil {
			entry.Duration = snap.CompletedAt.Sub(snap.CreatedAt)
		}
		o.audit.RecordOperation(ctx, entry)
	}

	o.metrics.IncJobFinished(strings.ToLower(string(terminal)))
	o.metrics.AddRowsProcessed(snap.ProcessedRecords)
	o.metrics.AddRowsFailed(snap.ErrorCount)
	o.logger.Info("job finished",
		"job_id", snap.JobID,
		"state", string(snap.State),
		"processed", snap.ProcessedRecords,
		"succeeded", snap.SuccessCount,
		"errors", snap.ErrorCount)

	aj.notify()
	aj.closeListeners()

	aj.mu.Lock()
	aj.expire = time.AfterFunc(o.cfg.RetainFor, func() { o.evict(snap.JobID) })
	aj.mu.Unlock()
}

func (o *Orchestrator) evict(jobID string) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) persistProgress(aj *activeJob, log *slog.Logger) {
	snap := aj.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveJob(ctx, snap); err != nil {
		log.Warn("persist job progress", "error", err)
	}
}

// Status returns a snapshot of the job record. Active jobs are served from
// memory; anything else falls back to the store.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Record, error) {
	o.mu.Lock()
	aj, ok := o.active[jobID]
	o.mu.Unlock()
	if ok {
		return aj.snapshot(), nil
	}
	return o.store.GetJob(ctx, jobID)
}

// List returns the newest job records for one subject.
func (o *Orchestrator) List(ctx context.Context, subjectID string, limit int) ([]*Record, error) {
	return o.store.ListJobs(ctx, subjectID, limit)
}

// Abort requests a one-way stop of a running job. The in-flight poll (if any)
// completes; the worker observes the flag before its next iteration. Aborting
// a terminal job returns ErrTerminal.
func (o *Orchestrator) Abort(ctx context.Context, jobID string) error {
	o.mu.Lock()
	aj, ok := o.active[jobID]
	o.mu.Unlock()

	if !ok {
		rec, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if rec.State.Terminal() {
			return ErrTerminal
		}
		// Stored but untracked: a restart orphaned it. Close it out locally
		// and make a best-effort attempt at the remote job.
		if rec.RemoteID != "" {
			if err := o.client.AbortJob(ctx, rec.SubjectID, rec.RemoteID); err != nil {
				o.logger.Warn("abort orphaned remote job", "job_id", jobID, "error", err)
			}
		}
		if err := rec.advance(StateAborted); err != nil {
			return err
		}
		return o.store.SaveJob(ctx, rec)
	}

	snap := aj.snapshot()
	if snap.State.Terminal() {
		return ErrTerminal
	}
	aj.aborted.Store(true)
	if snap.RemoteID != "" {
		if err := o.client.AbortJob(ctx, snap.SubjectID, snap.RemoteID); err != nil {
			o.logger.Warn("abort remote job", "job_id", jobID, "error", err)
		}
	}
	// Wake a sleeping worker so the abort lands promptly.
	aj.cancel()
	return nil
}

// Subscribe registers a progress listener for a job. Each state change
// delivers a record snapshot; the channel closes after the terminal snapshot.
// For jobs already terminal the single final snapshot is delivered
// immediately. The returned func unregisters the listener.
func (o *Orchestrator) Subscribe(ctx context.Context, jobID string) (<-chan Record, func(), error) {
	o.mu.Lock()
	aj, ok := o.active[jobID]
	o.mu.Unlock()

	if !ok {
		rec, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan Record, 1)
		ch <- *rec
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan Record, 10)
	aj.listenerMu.Lock()
	select {
	case <-aj.done:
		aj.listenerMu.Unlock()
		final := aj.snapshot()
		out := make(chan Record, 1)
		out <- *final
		close(out)
		return out, func() {}, nil
	default:
	}
	aj.listeners = append(aj.listeners, ch)
	aj.listenerMu.Unlock()

	cancel := func() {
		aj.listenerMu.Lock()
		defer aj.listenerMu.Unlock()
		for i, l := range aj.listeners {
			if l == ch {
				aj.listeners = append(aj.listeners[:i], aj.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// SweepStale evicts terminal jobs whose retention window has passed. The
// AfterFunc set at finalize normally handles this; the sweep covers timers
// lost to clock suspension or process hiccups. Returns the eviction count.
func (o *Orchestrator) SweepStale() int {
	cutoff := time.Now().UTC().Add(-o.cfg.RetainFor)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, aj := range o.active {
		snap := aj.snapshot()
		if snap.State.Terminal() && snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(o.active, id)
			removed++
		}
	}
	return removed
}

// ActiveCount reports how many jobs currently hold a limiter slot.
func (o *Orchestrator) ActiveCount() int {
	return o.limiter.ActiveCount()
}

// WaitForJobs blocks until all running jobs have finished or ctx expires.
func (o *Orchestrator) WaitForJobs(ctx context.Context) error {
	return o.limiter.WaitForDrain(ctx)
}

// Shutdown stops accepting new jobs, waits for running workers to drain and
// then cancels any stragglers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	err := o.limiter.WaitForDrain(ctx)
	o.rootCancel()
	return err
}
