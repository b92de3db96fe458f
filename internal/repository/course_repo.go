package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrSectionNotFound is returned when the mirror has no section with the requested name.
var ErrSectionNotFound = errors.New("course section not found")

// CourseRepository serves the LMS view of course sections from the mirrored tables. Every call
// reads the current rows so flows always see fresh data.
type CourseRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCourseRepository constructs the course mirror repository.
func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db, now: time.Now}
}

// GetCourseSectionInfo returns the section's identity, time zone and start date.
func (r *CourseRepository) GetCourseSectionInfo(ctx context.Context, section string) (models.CourseSectionInfo, error) {
	var record models.SectionRecord
	if err := r.db.WithContext(ctx).Where("name = ?", section).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CourseSectionInfo{}, fmt.Errorf("section %s: %w", section, ErrSectionNotFound)
		}
		return models.CourseSectionInfo{}, fmt.Errorf("load section %s: %w", section, err)
	}

	return models.NewCourseSectionInfo(models.CourseSectionInfo{
		ID:       record.LMSID,
		Name:     record.Name,
		TimeZone: record.TimeZone,
		StartAt:  record.StartAt,
	})
}

// GetStudents returns every enrolment of the section, active or not.
func (r *CourseRepository) GetStudents(ctx context.Context, section string) ([]models.Student, error) {
	var records []models.StudentRecord
	if err := r.db.WithContext(ctx).Where("section_name = ?", section).Order("lms_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load students of %s: %w", section, err)
	}

	students := make([]models.Student, 0, len(records))
	for _, record := range records {
		student, err := models.NewStudent(models.Student{
			ID:           record.LMSID,
			Name:         record.Name,
			RegisteredAt: record.RegisteredAt,
			Status:       record.Status,
		})
		if err != nil {
			return nil, fmt.Errorf("student %s of %s: %w", record.LMSID, section, err)
		}
		students = append(students, student)
	}
	return students, nil
}

// GetAssignments returns the section's assignments with their overrides. The mirror is keyed by
// section, so the course group only scopes the call.
func (r *CourseRepository) GetAssignments(ctx context.Context, group, section string) ([]models.Assignment, error) {
	db := r.db.WithContext(ctx)

	var records []models.AssignmentRecord
	if err := db.Where("section_name = ?", section).Order("lms_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load assignments of %s/%s: %w", group, section, err)
	}

	var overrideRecords []models.OverrideRecord
	if err := db.Where("section_name = ?", section).Find(&overrideRecords).Error; err != nil {
		return nil, fmt.Errorf("load overrides of %s/%s: %w", group, section, err)
	}

	overrides := map[string]map[string]models.Override{}
	for _, record := range overrideRecords {
		override, err := overrideFromRecord(record)
		if err != nil {
			return nil, err
		}
		if overrides[record.AssignmentLMSID] == nil {
			overrides[record.AssignmentLMSID] = map[string]models.Override{}
		}
		overrides[record.AssignmentLMSID][override.ID] = override
	}

	assignments := make([]models.Assignment, 0, len(records))
	for _, record := range records {
		assignment, err := models.NewAssignment(models.Assignment{
			ID:        record.LMSID,
			Name:      record.Name,
			UnlockAt:  record.UnlockAt,
			DueAt:     record.DueAt,
			LockAt:    record.LockAt,
			Published: record.Published,
			Overrides: overrides[record.LMSID],
		})
		if err != nil {
			return nil, fmt.Errorf("assignment %s of %s: %w", record.LMSID, section, err)
		}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}

// GetSubmissions returns the recorded grade facts of an assignment in a section.
func (r *CourseRepository) GetSubmissions(ctx context.Context, group, section string, assignment models.Assignment) ([]models.GradeInfo, error) {
	var records []models.GradeRecord
	err := r.db.WithContext(ctx).
		Where("section_name = ? AND assignment_lms_id = ?", section, assignment.ID).
		Order("student_lms_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load submissions of %s in %s/%s: %w", assignment.Name, group, section, err)
	}

	grades := make([]models.GradeInfo, 0, len(records))
	for _, record := range records {
		grades = append(grades, models.GradeInfo{
			AssignmentID: record.AssignmentLMSID,
			StudentID:    record.StudentLMSID,
			Score:        record.Score,
			PostedAt:     record.PostedAt,
			Late:         record.Late,
			Missing:      record.Missing,
		})
	}
	return grades, nil
}

// UpdateGrade records a score for a student, creating the grade row when absent.
func (r *CourseRepository) UpdateGrade(ctx context.Context, section string, grade models.GradeInfo) error {
	if grade.Score == nil {
		return fmt.Errorf("grade for %s/%s has no score", grade.AssignmentID, grade.StudentID)
	}

	postedAt := r.now().UTC()
	var record models.GradeRecord
	err := r.db.WithContext(ctx).
		Where(models.GradeRecord{SectionName: section, AssignmentLMSID: grade.AssignmentID, StudentLMSID: grade.StudentID}).
		Assign(map[string]interface{}{"score": *grade.Score, "posted_at": postedAt}).
		FirstOrCreate(&record).Error
	if err != nil {
		return fmt.Errorf("update grade of %s for %s: %w", grade.StudentID, grade.AssignmentID, err)
	}
	return nil
}

// UpdateOverride rewrites an existing override's students and dates.
func (r *CourseRepository) UpdateOverride(ctx context.Context, section string, assignment models.Assignment, override models.Override) error {
	studentIDs, err := json.Marshal(override.StudentIDs)
	if err != nil {
		return fmt.Errorf("encode override students: %w", err)
	}

	result := r.db.WithContext(ctx).Model(&models.OverrideRecord{}).
		Where("section_name = ? AND assignment_lms_id = ? AND lms_id = ?", section, assignment.ID, override.ID).
		Updates(map[string]interface{}{
			"title":       override.Title,
			"student_ids": datatypes.JSON(studentIDs),
			"unlock_at":   override.UnlockAt,
			"due_at":      override.DueAt,
			"lock_at":     override.LockAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update override %s of %s: %w", override.ID, assignment.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update override %s of %s: %w", override.ID, assignment.Name, gorm.ErrRecordNotFound)
	}
	return nil
}

// CreateOverrides stores new overrides and returns them with their assigned identifiers.
func (r *CourseRepository) CreateOverrides(ctx context.Context, section string, assignment models.Assignment, overrides []models.Override) ([]models.Override, error) {
	if len(overrides) == 0 {
		return nil, nil
	}

	created := make([]models.Override, 0, len(overrides))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, override := range overrides {
			override.ID = uuid.NewString()
			record, err := overrideToRecord(section, assignment.ID, override)
			if err != nil {
				return err
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("create override %s: %w", override.Title, err)
			}
			created = append(created, override)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create overrides of %s: %w", assignment.Name, err)
	}
	return created, nil
}

// DeleteOverrides removes the given overrides of an assignment.
func (r *CourseRepository) DeleteOverrides(ctx context.Context, section string, assignment models.Assignment, overrides []models.Override) error {
	if len(overrides) == 0 {
		return nil
	}

	ids := make([]string, 0, len(overrides))
	for _, override := range overrides {
		ids = append(ids, override.ID)
	}

	err := r.db.WithContext(ctx).
		Where("section_name = ? AND assignment_lms_id = ? AND lms_id IN ?", section, assignment.ID, ids).
		Delete(&models.OverrideRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete overrides of %s: %w", assignment.Name, err)
	}
	return nil
}

func overrideFromRecord(record models.OverrideRecord) (models.Override, error) {
	var studentIDs []string
	if len(record.StudentIDs) > 0 {
		if err := json.Unmarshal(record.StudentIDs, &studentIDs); err != nil {
			return models.Override{}, fmt.Errorf("decode students of override %s: %w", record.LMSID, err)
		}
	}
	return models.Override{
		ID:         record.LMSID,
		Title:      record.Title,
		StudentIDs: studentIDs,
		UnlockAt:   record.UnlockAt,
		DueAt:      record.DueAt,
		LockAt:     record.LockAt,
	}, nil
}

func overrideToRecord(section, assignmentID string, override models.Override) (models.OverrideRecord, error) {
	studentIDs, err := json.Marshal(override.StudentIDs)
	if err != nil {
		return models.OverrideRecord{}, fmt.Errorf("encode override students: %w", err)
	}
	return models.OverrideRecord{
		SectionName:     section,
		AssignmentLMSID: assignmentID,
		LMSID:           override.ID,
		Title:           override.Title,
		StudentIDs:      datatypes.JSON(studentIDs),
		UnlockAt:        override.UnlockAt,
		DueAt:           override.DueAt,
		LockAt:          override.LockAt,
	}, nil
}
