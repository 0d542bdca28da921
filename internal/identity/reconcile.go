package identity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kozaktomas/face-tagger/internal/database"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// ReconcileOptions controls a sweep.
type ReconcileOptions struct {
	// Purge deletes vectors without an identity record instead of
	// writing the missing record.
	Purge  bool
	DryRun bool
	// Progress is called after each orphan vector is handled.
	Progress func(done, total int)
}

// ReconcileReport summarizes a sweep.
type ReconcileReport struct {
	Vectors        int      `json:"vectors"`
	Records        int      `json:"records"`
	OrphanVectors  []string `json:"orphan_vectors"`
	Repaired       []string `json:"repaired"`
	Purged         []string `json:"purged"`
	MissingVectors []string `json:"missing_vectors"`
	Errors         []string `json:"errors,omitempty"`
}

// Reconciler repairs the half-registered state a failed commit can leave.
type Reconciler struct {
	index   VectorLister
	records database.RecordWriter
	now     func() time.Time
}

func NewReconciler(index VectorLister, records database.RecordWriter) *Reconciler {
	return &Reconciler{index: index, records: records, now: time.Now}
}

// Run compares indexed identities with identity records.
func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	log := logger.Named("reconcile")

	vectors, err := r.index.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
	}
	records, err := r.records.ListByEntityType(ctx, database.EntityPerson)
	if err != nil {
		return nil, fmt.Errorf("listing identity records: %w", err)
	}

	report := &ReconcileReport{
		Vectors:        len(vectors),
		Records:        len(records),
		OrphanVectors:  []string{},
		Repaired:       []string{},
		Purged:         []string{},
		MissingVectors: []string{},
	}

	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.SK] = true
	}
	indexed := make(map[string]bool, len(vectors))

	var orphans []database.VectorEntry
	for _, v := range vectors {
		if _, ok := database.ParsePersonName(v.ID); !ok {
			continue
		}
		indexed[v.ID] = true
		if !recorded[v.ID] {
			orphans = append(orphans, v)
			report.OrphanVectors = append(report.OrphanVectors, v.ID)
		}
	}
	for name := range recorded {
		if !indexed[name] {
			report.MissingVectors = append(report.MissingVectors, name)
		}
	}
	sort.Strings(report.MissingVectors)

	if opts.DryRun {
		return report, nil
	}

	for i, v := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if opts.Purge {
			if err := r.index.Delete(ctx, []string{v.ID}); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("purge %s: %v", v.ID, err))
			} else {
				report.Purged = append(report.Purged, v.ID)
				log.Info().Str("person", v.ID).Msg("purged orphan vector")
			}
		} else {
			imageKey := v.Metadata.ImageKey
			if imageKey == "" {
				imageKey = FaceImageKey(v.ID, "jpg")
			}
			createdAt := v.Metadata.CreatedAt
			if createdAt == 0 {
				createdAt = r.now().Unix()
			}
			if err := r.records.PutItem(ctx, database.PersonRecord(v.ID, imageKey, createdAt)); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("repair %s: %v", v.ID, err))
			} else {
				report.Repaired = append(report.Repaired, v.ID)
				log.Info().Str("person", v.ID).Msg("wrote missing identity record")
			}
		}
		if opts.Progress != nil {
			opts.Progress(i+1, len(orphans))
		}
	}

	if len(report.MissingVectors) > 0 {
		log.Warn().Strs("persons", report.MissingVectors).Msg("identity records without an indexed vector")
	}
	return report, nil
}
