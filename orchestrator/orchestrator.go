// Package orchestrator runs inventory syncs across every registered
// account: fetch, reconcile, persist, evaluate rules, then alert.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/cloudwatcher/notify"
	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/reconciler"
	"github.com/yairfalse/cloudwatcher/rules"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/vault"
	"github.com/yairfalse/cloudwatcher/wal"
)

const (
	reasonInProgress = "sync already in progress"
	reasonDisabled   = "account disabled"
)

// Orchestrator coordinates fetch → reconcile → persist → rules → notify
type Orchestrator struct {
	store    storage.Store
	registry *providers.Registry
	locks    *Locks

	concurrency      int
	connectorTimeout time.Duration
	notifyTimeout    time.Duration

	vault    vault.Codec
	rules    rules.Generator
	notifier notify.Notifier
	audit    Audit
	metrics  Metrics
	now      func() time.Time

	logger  *telemetry.Logger
	tracer  trace.Tracer
	pending sync.WaitGroup
}

// New creates an orchestrator
func New(store storage.Store, registry *providers.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            store,
		registry:         registry,
		locks:            NewLocks(),
		concurrency:      DefaultConcurrency,
		connectorTimeout: DefaultConnectorTimeout,
		notifyTimeout:    DefaultNotifyTimeout,
		vault:            vault.Plaintext{},
		metrics:          nopMetrics{},
		now:              time.Now,
		logger:           telemetry.NewLogger("orchestrator"),
		tracer:           telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Locks returns the per-account lock table
func (o *Orchestrator) Locks() *Locks {
	return o.locks
}

// Wait blocks until detached notifications have finished
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// accountResult carries data that does not fit in AccountOutcome
type accountResult struct {
	outcome      types.AccountOutcome
	transitions  []types.Transition
	anomalies    []types.Anomaly
	highSeverity int
}

// Run syncs every enabled account. The only error returned is a failure
// to list accounts; per-account failures are reported in the outcomes.
func (o *Orchestrator) Run(ctx context.Context, source types.TriggerSource) (*types.SyncReport, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("sync.source", string(source))))
	defer span.End()

	report := o.newReport(source)
	o.journal(wal.EntrySyncStarted, report.ID, map[string]any{"source": source}, nil)

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		err = fmt.Errorf("list accounts: %w", err)
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "list accounts failed")
		o.logger.LogStorageError(ctx, "list accounts", err)
		o.finish(ctx, report, nil)
		return report, err
	}

	active := accounts[:0:0]
	for _, acct := range accounts {
		if !acct.IsDisabled() {
			active = append(active, acct)
		}
	}

	o.logger.LogSyncStarted(ctx, report.ID, source, len(active))
	results := o.syncAll(ctx, active)
	o.finish(ctx, report, results)
	return report, nil
}

// RunAccount syncs a single account by id. An unknown id still records a
// zero-account run carrying the error.
func (o *Orchestrator) RunAccount(ctx context.Context, source types.TriggerSource, accountID string) (*types.SyncReport, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("sync.source", string(source)),
			attribute.String("account.id", accountID),
		))
	defer span.End()

	report := o.newReport(source)
	o.journal(wal.EntrySyncStarted, report.ID, map[string]any{"source": source, "account_id": accountID}, nil)

	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		err = fmt.Errorf("account %s: %w", accountID, err)
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "get account failed")
		o.finish(ctx, report, nil)
		return report, err
	}

	o.logger.LogSyncStarted(ctx, report.ID, source, 1)

	var result accountResult
	if acct.IsDisabled() {
		result = skipped(acct, reasonDisabled)
	} else {
		result = o.syncAccount(ctx, acct)
	}
	o.finish(ctx, report, []accountResult{result})
	return report, nil
}

// Regenerate re-evaluates the rules against every stored snapshot
// without contacting providers. Accounts that are syncing are skipped.
func (o *Orchestrator) Regenerate(ctx context.Context) (*types.RegenerateResult, error) {
	if o.rules == nil {
		return nil, ErrNoRules
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.regenerate")
	defer span.End()

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	res := &types.RegenerateResult{}
	for _, acct := range accounts {
		if !o.locks.TryLock(acct.ID) {
			res.Skipped = append(res.Skipped, acct.ID)
			continue
		}
		instances, recs, err := o.regenerateAccount(ctx, acct.ID)
		o.locks.Unlock(acct.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "regenerate failed")
			return res, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		res.Accounts++
		res.Instances += instances
		res.Recommendations += recs
	}

	o.journal(wal.EntryRecommendationsRun, "", res, nil)
	o.logger.WithContext(ctx).Info().
		Int("accounts", res.Accounts).
		Int("instances", res.Instances).
		Int("recommendations", res.Recommendations).
		Int("skipped", len(res.Skipped)).
		Msg("recommendations regenerated")
	return res, nil
}

func (o *Orchestrator) regenerateAccount(ctx context.Context, accountID string) (int, int, error) {
	instances, err := o.store.GetInstances(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	recs, err := o.rules.Generate(ctx, instances)
	if err != nil {
		return 0, 0, err
	}
	if err := o.store.ReplaceRecommendations(ctx, accountID, recs); err != nil {
		return 0, 0, err
	}
	return len(instances), len(recs), nil
}

func (o *Orchestrator) newReport(source types.TriggerSource) *types.SyncReport {
	return &types.SyncReport{
		ID:        uuid.NewString(),
		Source:    source,
		StartedAt: o.now().UTC(),
		Accounts:  []types.AccountOutcome{},
	}
}

func (o *Orchestrator) syncAll(ctx context.Context, accounts []types.Account) []accountResult {
	results := make([]accountResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i := range accounts {
		acct := accounts[i]
		g.Go(func() error {
			results[i] = o.syncAccount(ctx, acct)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func skipped(acct types.Account, reason string) accountResult {
	return accountResult{outcome: types.AccountOutcome{
		AccountID: acct.ID,
		Name:      acct.Name,
		Provider:  acct.Provider,
		Status:    types.OutcomeSkipped,
		Error:     reason,
	}}
}

// syncAccount never returns an error; failures land in the outcome
func (o *Orchestrator) syncAccount(ctx context.Context, acct types.Account) accountResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.sync_account",
		trace.WithAttributes(
			attribute.String("account.id", acct.ID),
			attribute.String("provider", string(acct.Provider)),
		))
	defer span.End()

	if !o.locks.TryLock(acct.ID) {
		res := skipped(acct, reasonInProgress)
		telemetry.RecordOutcomeAttributes(span, res.outcome)
		o.logger.LogAccountOutcome(ctx, res.outcome)
		return res
	}
	defer o.locks.Unlock(acct.ID)

	start := o.now()
	res := accountResult{outcome: types.AccountOutcome{
		AccountID: acct.ID,
		Name:      acct.Name,
		Provider:  acct.Provider,
	}}

	if err := o.safeSync(ctx, acct, &res); err != nil {
		o.markFailed(ctx, acct, &res, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.outcome.ErrorKind))
	} else {
		res.outcome.Status = types.OutcomeConnected
	}

	res.outcome.DurationMS = o.now().Sub(start).Milliseconds()
	for _, t := range res.transitions {
		telemetry.RecordTransitionEvent(span, t)
	}
	for _, a := range res.anomalies {
		telemetry.RecordAnomalyEvent(span, acct.ID, a)
	}
	telemetry.RecordOutcomeAttributes(span, res.outcome)
	o.logger.LogAccountOutcome(ctx, res.outcome)
	return res
}

func (o *Orchestrator) safeSync(ctx context.Context, acct types.Account, res *accountResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewInternalError(fmt.Sprintf("panic during sync: %v", r), nil).WithAccount(acct.ID)
		}
	}()
	return o.sync(ctx, acct, res)
}

func (o *Orchestrator) sync(ctx context.Context, acct types.Account, res *accountResult) error {
	checkedAt := o.now().UTC()
	if err := o.store.UpdateAccountStatus(ctx, acct.ID, types.AccountStatusUpdate{
		Status:        types.AccountSyncing,
		LastCheckedAt: &checkedAt,
	}); err != nil {
		return err
	}

	plain, err := o.vault.Decrypt(acct.Credentials)
	if err != nil {
		return err
	}
	creds := providers.Credentials(plain)

	connector, err := o.registry.Resolve(acct.Provider)
	if err != nil {
		return err
	}
	if err := providers.Validate(acct.Provider, creds); err != nil {
		return err
	}

	current, err := o.fetch(ctx, connector, creds)
	if err != nil {
		return err
	}

	previous, err := o.store.GetInstances(ctx, acct.ID)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	diff := reconciler.Reconcile(acct.ID, previous, current, now)
	if err := o.store.ReplaceInstances(ctx, acct.ID, diff.Upserts); err != nil {
		return err
	}

	res.transitions = diff.Transitions
	res.anomalies = diff.Anomalies
	res.outcome.Count = len(diff.Upserts)
	res.outcome.Transitions = len(diff.Transitions)
	res.outcome.Disappeared = len(diff.Disappeared)
	res.outcome.Anomalies = len(diff.Anomalies)

	o.evaluate(ctx, acct, diff.Upserts, res)

	count := len(diff.Upserts)
	noError := ""
	return o.store.UpdateAccountStatus(ctx, acct.ID, types.AccountStatusUpdate{
		Status:        types.AccountConnected,
		Error:         &noError,
		LastSyncAt:    &now,
		InstanceCount: &count,
	})
}

type fetchResult struct {
	instances []types.Instance
	err       error
}

// fetch bounds ListInstances by connectorTimeout even when the connector
// ignores its context. A late result is discarded.
func (o *Orchestrator) fetch(ctx context.Context, connector providers.Connector, creds providers.Credentials) ([]types.Instance, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.connectorTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: types.NewInternalError(fmt.Sprintf("panic during sync: %v", r), nil)}
			}
		}()
		instances, err := connector.ListInstances(callCtx, creds)
		done <- fetchResult{instances: instances, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err == nil && callCtx.Err() == nil {
		return res.instances, nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var se *types.SyncError
		if res.err == nil || !errors.As(res.err, &se) {
			return nil, types.NewConnectorError(types.KindTimeout, connector.Provider(),
				fmt.Sprintf("no response within %s", o.connectorTimeout), callCtx.Err())
		}
	}
	if res.err == nil {
		res.err = callCtx.Err()
	}
	return nil, res.err
}

// evaluate runs the rule engine. Failures degrade to warnings.
func (o *Orchestrator) evaluate(ctx context.Context, acct types.Account, instances []types.Instance, res *accountResult) {
	if o.rules == nil {
		return
	}

	recs, err := o.rules.Generate(ctx, instances)
	if err != nil {
		o.warn(ctx, acct, res, "rule evaluation failed", err)
		return
	}
	if err := o.store.ReplaceRecommendations(ctx, acct.ID, recs); err != nil {
		o.warn(ctx, acct, res, "failed to store recommendations", err)
		return
	}

	res.outcome.Recommendations = len(recs)
	for _, r := range recs {
		if r.Severity == types.SeverityHigh {
			res.highSeverity++
		}
	}
}

func (o *Orchestrator) warn(ctx context.Context, acct types.Account, res *accountResult, msg string, err error) {
	res.outcome.Warnings = append(res.outcome.Warnings, fmt.Sprintf("%s: %v", msg, err))
	o.logger.WithContext(ctx).Warn().
		Err(err).
		Str("account_id", acct.ID).
		Msg(msg)
}

func (o *Orchestrator) markFailed(ctx context.Context, acct types.Account, res *accountResult, err error) {
	res.outcome.Status = types.OutcomeError
	res.outcome.Error = err.Error()
	res.outcome.ErrorKind = types.KindOf(err)
	res.transitions = nil
	res.anomalies = nil

	// The caller's context may already be cancelled; the status must still land.
	msg := err.Error()
	checkedAt := o.now().UTC()
	if uerr := o.store.UpdateAccountStatus(context.WithoutCancel(ctx), acct.ID, types.AccountStatusUpdate{
		Status:        types.AccountError,
		Error:         &msg,
		LastCheckedAt: &checkedAt,
	}); uerr != nil {
		o.logger.LogStorageError(ctx, "update account status", uerr)
	}
}

func (o *Orchestrator) finish(ctx context.Context, report *types.SyncReport, results []accountResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].outcome.AccountID < results[j].outcome.AccountID
	})

	highSeverity, recommendations := 0, 0
	for _, r := range results {
		report.Accounts = append(report.Accounts, r.outcome)
		report.Transitions = append(report.Transitions, r.transitions...)
		report.Anomalies = append(report.Anomalies, r.anomalies...)
		report.Disappeared += r.outcome.Disappeared
		highSeverity += r.highSeverity
		recommendations += r.outcome.Recommendations

		switch r.outcome.Status {
		case types.OutcomeConnected:
			report.Succeeded++
			report.TotalInstances += r.outcome.Count
		case types.OutcomeError:
			report.Failed++
		case types.OutcomeSkipped:
			report.Skipped++
		}
	}

	report.FinishedAt = o.now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	bg := context.WithoutCancel(ctx)
	if _, err := o.store.AppendSyncLog(bg, types.NewSyncLogEntry(report)); err != nil {
		o.logger.LogStorageError(ctx, "append sync log", err)
	}

	for _, t := range report.Transitions {
		o.journal(wal.EntryInstanceTransition, t.Identity.Key(), t, nil)
	}
	var runErr error
	if report.Error != "" {
		runErr = errors.New(report.Error)
	}
	o.journal(wal.EntrySyncCompleted, report.ID, types.NewSyncLogEntry(report), runErr)

	o.metrics.RecordRun(bg, report.Source, report.Success(), report.Duration)
	for _, a := range report.Accounts {
		o.metrics.RecordAccount(bg, a)
	}
	o.metrics.RecordTransitions(bg, report.Transitions)
	o.metrics.RecordAnomalies(bg, len(report.Anomalies))

	o.logger.LogSyncCompleted(ctx, report)

	summary := notify.Summary{
		AccountsSynced:  report.Succeeded,
		Recommendations: recommendations,
		HighSeverity:    highSeverity,
	}
	o.dispatch(bg, append([]types.Transition(nil), report.Transitions...), report.Source, summary)
}

// dispatch delivers alerts off the request path
func (o *Orchestrator) dispatch(ctx context.Context, transitions []types.Transition, source types.TriggerSource, summary notify.Summary) {
	if o.notifier == nil {
		return
	}
	sendSummary := source == types.SourceSchedule && summary.HighSeverity > 0
	if len(transitions) == 0 && !sendSummary {
		return
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		nctx, cancel := context.WithTimeout(ctx, o.notifyTimeout)
		defer cancel()

		notify.Dispatch(nctx, o.notifier, transitions, o.logger)
		if sendSummary {
			notify.DispatchSummary(nctx, o.notifier, summary, o.logger)
		}
	}()
}

func (o *Orchestrator) journal(entryType wal.EntryType, subject string, data any, runErr error) {
	if o.audit == nil {
		return
	}
	var err error
	if runErr != nil {
		err = o.audit.AppendError(entryType, subject, data, runErr)
	} else {
		err = o.audit.Append(entryType, subject, data)
	}
	if err != nil {
		o.logger.WithContext(context.Background()).Warn().
			Err(err).
			Str("type", string(entryType)).
			Msg("failed to write audit entry")
	}
}
