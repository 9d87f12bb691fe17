package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/meridian-commerce/pimsync/internal/domain"
	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

const (
	syncStateCollection = "syncState"
	syncRunsCollection  = "syncRuns"

	leaseDocumentID   = "lease"
	lastRunDocumentID = "lastRun"

	defaultHistoryLimit = 20
)

type leaseDocument struct {
	Owner       string    `firestore:"owner"`
	AcquiredAt  time.Time `firestore:"acquiredAt"`
	HeartbeatAt time.Time `firestore:"heartbeatAt"`
	TTLSeconds  int64     `firestore:"ttlSeconds"`
}

func (d leaseDocument) toDomain() domain.RunLease {
	return domain.RunLease{
		Owner:       d.Owner,
		AcquiredAt:  d.AcquiredAt,
		HeartbeatAt: d.HeartbeatAt,
		TTL:         time.Duration(d.TTLSeconds) * time.Second,
	}
}

type lastRunDocument struct {
	CompletedAt time.Time `firestore:"completedAt"`
}

type runReportDocument struct {
	Success           bool      `firestore:"success"`
	Mode              string    `firestore:"mode"`
	Trigger           string    `firestore:"trigger"`
	Created           int       `firestore:"created"`
	Updated           int       `firestore:"updated"`
	Failed            int       `firestore:"failed"`
	Skipped           int       `firestore:"skipped"`
	RetiredRecords    int       `firestore:"retiredRecords"`
	RetiredCategories int       `firestore:"retiredCategories"`
	WithFeatures      int       `firestore:"withFeatures"`
	WithoutFeatures   int       `firestore:"withoutFeatures"`
	StartedAt         time.Time `firestore:"startedAt"`
	FinishedAt        time.Time `firestore:"finishedAt"`
	Error             string    `firestore:"error,omitempty"`
}

func encodeRunReportDocument(report domain.RunReport) runReportDocument {
	return runReportDocument{
		Success:           report.Success,
		Mode:              string(report.Mode),
		Trigger:           string(report.Trigger),
		Created:           report.Created,
		Updated:           report.Updated,
		Failed:            report.Failed,
		Skipped:           report.Skipped,
		RetiredRecords:    report.RetiredRecords,
		RetiredCategories: report.RetiredCategories,
		WithFeatures:      report.WithFeatures,
		WithoutFeatures:   report.WithoutFeatures,
		StartedAt:         report.StartedAt,
		FinishedAt:        report.FinishedAt,
		Error:             report.Error,
	}
}

func decodeRunReportDocument(id string, doc runReportDocument) domain.RunReport {
	return domain.RunReport{
		ID:                id,
		Success:           doc.Success,
		Mode:              domain.RunMode(doc.Mode),
		Trigger:           domain.RunTrigger(doc.Trigger),
		Created:           doc.Created,
		Updated:           doc.Updated,
		Failed:            doc.Failed,
		Skipped:           doc.Skipped,
		RetiredRecords:    doc.RetiredRecords,
		RetiredCategories: doc.RetiredCategories,
		WithFeatures:      doc.WithFeatures,
		WithoutFeatures:   doc.WithoutFeatures,
		StartedAt:         doc.StartedAt,
		FinishedAt:        doc.FinishedAt,
		Error:             doc.Error,
	}
}

// RunStateRepository keeps the run lease, the last-success stamp, and the
// bounded run history in Firestore.
type RunStateRepository struct {
	provider     *pfirestore.Provider
	reports      *pfirestore.BaseRepository[domain.RunReport]
	historyLimit int
}

// NewRunStateRepository constructs a Firestore-backed run state repository.
func NewRunStateRepository(provider *pfirestore.Provider) (*RunStateRepository, error) {
	if provider == nil {
		return nil, errors.New("run state repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.RunReport) (any, error) {
		return encodeRunReportDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.RunReport, error) {
		var doc runReportDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.RunReport{}, err
		}
		return decodeRunReportDocument(snap.Ref.ID, doc), nil
	}

	return &RunStateRepository{
		provider:     provider,
		reports:      pfirestore.NewBaseRepository[domain.RunReport](provider, syncRunsCollection, encoder, decoder),
		historyLimit: defaultHistoryLimit,
	}, nil
}

func (r *RunStateRepository) stateDoc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(syncStateCollection).Doc(id), nil
}

// AcquireLease claims the single-run lock inside a transaction. A live
// lease held by another owner rejects the claim; an expired heartbeat is
// taken over.
func (r *RunStateRepository) AcquireLease(ctx context.Context, owner string, now time.Time, ttl time.Duration) (domain.RunLease, error) {
	if r == nil || r.provider == nil {
		return domain.RunLease{}, errors.New("run state repository not initialised")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.RunLease{}, errors.New("run state repository: lease owner is required")
	}

	doc, err := r.stateDoc(ctx, leaseDocumentID)
	if err != nil {
		return domain.RunLease{}, wrapStoreError("runstate.acquireLease", err)
	}

	lease := domain.RunLease{Owner: owner, AcquiredAt: now, HeartbeatAt: now, TTL: ttl}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var current leaseDocument
			if err := snap.DataTo(&current); err != nil {
				return err
			}
			existing := current.toDomain()
			if existing.Owner != owner && !existing.Expired(now) {
				return repositories.ErrLeaseHeld
			}
		}
		return tx.Set(doc, leaseDocument{
			Owner:       owner,
			AcquiredAt:  now,
			HeartbeatAt: now,
			TTLSeconds:  int64(ttl / time.Second),
		})
	})
	if err != nil {
		if errors.Is(err, repositories.ErrLeaseHeld) {
			return domain.RunLease{}, repositories.ErrLeaseHeld
		}
		return domain.RunLease{}, wrapStoreError("runstate.acquireLease", err)
	}
	return lease, nil
}

// RefreshLease advances the heartbeat stamp of the owner's lease.
func (r *RunStateRepository) RefreshLease(ctx context.Context, owner string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("run state repository not initialised")
	}
	doc, err := r.stateDoc(ctx, leaseDocumentID)
	if err != nil {
		return wrapStoreError("runstate.refreshLease", err)
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		var current leaseDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.Owner != owner {
			return repositories.ErrLeaseHeld
		}
		return tx.Update(doc, []firestore.Update{{Path: "heartbeatAt", Value: now}})
	})
	if err != nil {
		if errors.Is(err, repositories.ErrLeaseHeld) {
			return repositories.ErrLeaseHeld
		}
		return wrapStoreError("runstate.refreshLease", err)
	}
	return nil
}

// ReleaseLease clears the lease when still held by the owner. A lease
// taken over by someone else is left alone.
func (r *RunStateRepository) ReleaseLease(ctx context.Context, owner string) error {
	if r == nil || r.provider == nil {
		return errors.New("run state repository not initialised")
	}
	doc, err := r.stateDoc(ctx, leaseDocumentID)
	if err != nil {
		return wrapStoreError("runstate.releaseLease", err)
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		var current leaseDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.Owner != owner {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return wrapStoreError("runstate.releaseLease", err)
	}
	return nil
}

// LastSuccessfulRun returns the completion stamp of the latest successful
// run, if any.
func (r *RunStateRepository) LastSuccessfulRun(ctx context.Context) (time.Time, bool, error) {
	if r == nil || r.provider == nil {
		return time.Time{}, false, errors.New("run state repository not initialised")
	}
	doc, err := r.stateDoc(ctx, lastRunDocumentID)
	if err != nil {
		return time.Time{}, false, wrapStoreError("runstate.lastSuccessfulRun", err)
	}

	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, wrapStoreError("runstate.lastSuccessfulRun", pfirestore.WrapError("runstate.lastSuccessfulRun", err))
	}
	var stamp lastRunDocument
	if err := snap.DataTo(&stamp); err != nil {
		return time.Time{}, false, wrapStoreError("runstate.lastSuccessfulRun", err)
	}
	return stamp.CompletedAt, true, nil
}

// RecordSuccessfulRun stores the completion stamp used by incremental mode.
func (r *RunStateRepository) RecordSuccessfulRun(ctx context.Context, at time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("run state repository not initialised")
	}
	doc, err := r.stateDoc(ctx, lastRunDocumentID)
	if err != nil {
		return wrapStoreError("runstate.recordSuccessfulRun", err)
	}
	if _, err := doc.Set(ctx, lastRunDocument{CompletedAt: at}); err != nil {
		return wrapStoreError("runstate.recordSuccessfulRun", pfirestore.WrapError("runstate.recordSuccessfulRun", err))
	}
	return nil
}

// AppendReport stores the run report and trims the history beyond the
// bounded limit, oldest first.
func (r *RunStateRepository) AppendReport(ctx context.Context, report domain.RunReport) error {
	if r == nil || r.reports == nil {
		return errors.New("run state repository not initialised")
	}
	report.ID = strings.TrimSpace(report.ID)
	if report.ID == "" {
		return errors.New("run state repository: report id is required")
	}

	if _, err := r.reports.Set(ctx, report.ID, report); err != nil {
		return wrapStoreError("runstate.appendReport", err)
	}

	docs, err := r.reports.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("startedAt", firestore.Desc)
	})
	if err != nil {
		return wrapStoreError("runstate.appendReport", err)
	}
	for _, doc := range docs[min(len(docs), r.historyLimit):] {
		ref, err := r.reports.DocumentRef(ctx, doc.ID)
		if err != nil {
			return wrapStoreError("runstate.appendReport", err)
		}
		if _, err := ref.Delete(ctx); err != nil {
			return wrapStoreError("runstate.appendReport", pfirestore.WrapError("runstate.appendReport", err))
		}
	}
	return nil
}

// ListReports returns the most recent reports, newest first.
func (r *RunStateRepository) ListReports(ctx context.Context, limit int) ([]domain.RunReport, error) {
	if r == nil || r.reports == nil {
		return nil, errors.New("run state repository not initialised")
	}
	if limit <= 0 || limit > r.historyLimit {
		limit = r.historyLimit
	}
	docs, err := r.reports.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("startedAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, wrapStoreError("runstate.listReports", err)
	}
	reports := make([]domain.RunReport, 0, len(docs))
	for _, doc := range docs {
		reports = append(reports, doc.Data)
	}
	return reports, nil
}
