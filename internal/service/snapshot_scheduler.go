package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/snapshot"
)

// PastDueSnapshots lists the snapshots due at now for a section. Students on the base deadline share
// one course-wide snapshot per assignment; students with an applicable override get their own.
// Unpublished assignments are ignored. Assignments with an invalid schedule are reported in the
// joined error and left out.
func PastDueSnapshots(course string, section models.CourseSectionInfo, assignments []models.Assignment, students []models.Student, now time.Time) ([]models.SnapshotSpec, error) {
	var failures []error
	seen := map[string]struct{}{}
	var specs []models.SnapshotSpec

	add := func(spec models.SnapshotSpec) {
		if !now.After(spec.DueAt) {
			return
		}
		if _, ok := seen[spec.Name]; ok {
			return
		}
		seen[spec.Name] = struct{}{}
		specs = append(specs, spec)
	}

	for _, assignment := range assignments {
		if !assignment.Published {
			continue
		}
		if err := ValidateSchedule(section, assignment); err != nil {
			failures = append(failures, err)
			continue
		}

		add(models.NewSnapshotSpec(course, assignment, "", nil, *assignment.DueAt))
		for _, student := range students {
			if !student.IsActive() {
				continue
			}
			dueAt, override, err := ResolveDeadline(section, assignment, student)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			if override == nil {
				continue
			}
			add(models.NewSnapshotSpec(course, assignment, student.ID, override, dueAt))
		}
	}

	return specs, errors.Join(failures...)
}

// SnapshotsToTake removes the snapshots that already exist.
func SnapshotsToTake(pastDue []models.SnapshotSpec, existing []string) []models.SnapshotSpec {
	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}

	var toTake []models.SnapshotSpec
	for _, spec := range pastDue {
		if _, ok := present[spec.Name]; ok {
			continue
		}
		toTake = append(toTake, spec)
	}
	return toTake
}

// VerifySnapshots checks that every requested snapshot is present in the re-queried list.
func VerifySnapshots(requested []models.SnapshotSpec, existing []string) error {
	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}

	var missing []string
	for _, spec := range requested {
		if _, ok := present[spec.Name]; !ok {
			missing = append(missing, spec.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &SnapshotVerificationError{Missing: missing}
}

// ZFSSnapshots serves ZFS sessions as a SnapshotStore.
type ZFSSnapshots struct {
	Store *snapshot.ZFSStore
}

// Open dials a new ZFS session.
func (z ZFSSnapshots) Open(ctx context.Context) (SnapshotSession, error) {
	session, err := z.Store.Open(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SnapshotReport summarises one snapshot pass over a section.
type SnapshotReport struct {
	PastDue   []string `json:"past_due"`
	Requested []string `json:"requested"`
	Missing   []string `json:"missing,omitempty"`
}

// SnapshotScheduler keeps a section's submission snapshots current.
type SnapshotScheduler struct {
	store  SnapshotStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewSnapshotScheduler constructs a SnapshotScheduler.
func NewSnapshotScheduler(store SnapshotStore, logger zerolog.Logger) *SnapshotScheduler {
	return &SnapshotScheduler{
		store:  store,
		logger: logger.With().Str("component", "snapshot_scheduler").Logger(),
		now:    time.Now,
	}
}

// Run takes every past-due snapshot that does not exist yet and verifies the requested ones
// materialized. Each call opens its own store session and releases it on every exit path. Failures
// to take or verify are reported in the returned error together with the report; they do not stop
// the remaining requests.
func (s *SnapshotScheduler) Run(ctx context.Context, course string, section models.CourseSectionInfo, assignments []models.Assignment, students []models.Student) (report SnapshotReport, err error) {
	logger := s.logger.With().Str("section", section.Name).Logger()

	session, err := s.store.Open(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: open: %w", ErrSnapshotStoreUnavailable, err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("failed to close snapshot store session")
		}
	}()

	pastDue, scheduleErr := PastDueSnapshots(course, section, assignments, students, s.now())
	if scheduleErr != nil {
		logger.Error().Err(scheduleErr).Msg("some assignments have invalid schedules")
	}
	for _, spec := range pastDue {
		report.PastDue = append(report.PastDue, spec.Name)
	}

	existing, err := session.ListSnapshots(ctx)
	if err != nil {
		return report, errors.Join(scheduleErr, fmt.Errorf("%w: list existing snapshots: %w", ErrSnapshotStoreUnavailable, err))
	}

	toTake := SnapshotsToTake(pastDue, existing)
	var takeErrs []error
	for _, spec := range toTake {
		report.Requested = append(report.Requested, spec.Name)
		if err := session.TakeSnapshot(ctx, spec); err != nil {
			logger.Error().Err(err).Str("snapshot", spec.Name).Msg("snapshot request failed")
			observability.SnapshotsTotal().WithLabelValues("request_failed").Inc()
			takeErrs = append(takeErrs, err)
			continue
		}
		observability.SnapshotsTotal().WithLabelValues("requested").Inc()
	}

	if len(toTake) == 0 {
		logger.Info().Int("past_due", len(pastDue)).Msg("no new snapshots to take")
		return report, errors.Join(scheduleErr)
	}

	refreshed, err := session.ListSnapshots(ctx)
	if err != nil {
		takeErrs = append(takeErrs, fmt.Errorf("re-list snapshots: %w", err))
		return report, errors.Join(append([]error{scheduleErr}, takeErrs...)...)
	}

	verifyErr := VerifySnapshots(toTake, refreshed)
	var verification *SnapshotVerificationError
	if errors.As(verifyErr, &verification) {
		report.Missing = verification.Missing
		observability.SnapshotsTotal().WithLabelValues("verification_failed").Add(float64(len(verification.Missing)))
		logger.Error().Strs("missing", verification.Missing).Msg("snapshot verification failed")
	}

	logger.Info().Int("past_due", len(pastDue)).Int("requested", len(toTake)).Int("missing", len(report.Missing)).Msg("snapshot pass finished")
	return report, errors.Join(append([]error{scheduleErr, verifyErr}, takeErrs...)...)
}
