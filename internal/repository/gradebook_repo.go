package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/models"
)

// GradebookFileName is the gradebook database the grading toolchain keeps in a course directory.
const GradebookFileName = "gradebook.db"

// ErrMissingEntry is returned when the gradebook has no record for the requested assignment or
// student submission.
var ErrMissingEntry = errors.New("gradebook entry not found")

// GradebookRepository reads and clears submission records in one grader's gradebook.
type GradebookRepository interface {
	FindSubmission(ctx context.Context, assignment, student string) (models.GradebookEntry, error)
	RemoveSubmission(ctx context.Context, assignment, student string) error
	Close() error
}

// GradebookOpener opens the gradebook stored under a grader folder.
type GradebookOpener interface {
	Open(ctx context.Context, graderFolder string) (GradebookRepository, error)
}

type sqliteGradebookOpener struct {
	courseSubdir string
}

// NewGradebookOpener returns an opener for gradebooks stored at <grader>/<courseSubdir>/gradebook.db.
func NewGradebookOpener(courseSubdir string) GradebookOpener {
	return &sqliteGradebookOpener{courseSubdir: courseSubdir}
}

// Open never creates a gradebook: a missing file surfaces as an fs.ErrNotExist error.
func (o *sqliteGradebookOpener) Open(ctx context.Context, graderFolder string) (GradebookRepository, error) {
	path := filepath.Join(graderFolder, o.courseSubdir, GradebookFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open gradebook: %w", err)
	}

	db, err := database.ConnectSQLite(path)
	if err != nil {
		return nil, err
	}

	return NewGradebookRepository(db.WithContext(ctx)), nil
}

type gradebookRepository struct {
	db *gorm.DB
}

// NewGradebookRepository wraps an open gradebook connection.
func NewGradebookRepository(db *gorm.DB) GradebookRepository {
	return &gradebookRepository{db: db}
}

func (r *gradebookRepository) FindSubmission(ctx context.Context, assignment, student string) (models.GradebookEntry, error) {
	db := r.db.WithContext(ctx)

	submission, err := findSubmission(db, assignment, student)
	if err != nil {
		return models.GradebookEntry{}, err
	}

	var grades []models.GradebookGrade
	err = db.Model(&models.GradebookGrade{}).
		Where("notebook_id IN (?)", db.Model(&models.GradebookNotebook{}).Select("id").Where("assignment_id = ?", submission.ID)).
		Find(&grades).Error
	if err != nil {
		return models.GradebookEntry{}, fmt.Errorf("load grades of %s/%s: %w", assignment, student, err)
	}

	entry := models.GradebookEntry{Assignment: assignment, Student: student}
	for _, grade := range grades {
		entry.Score += grade.Score()
		if grade.NeedsManualGrade {
			entry.NeedsManualGrade = true
		}
	}
	return entry, nil
}

// RemoveSubmission deletes the submission with its notebooks and grades in one transaction so a
// regrade starts from an empty record.
func (r *gradebookRepository) RemoveSubmission(ctx context.Context, assignment, student string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submission, err := findSubmission(tx, assignment, student)
		if err != nil {
			return err
		}

		notebooks := tx.Model(&models.GradebookNotebook{}).Select("id").Where("assignment_id = ?", submission.ID)
		if err := tx.Where("notebook_id IN (?)", notebooks).Delete(&models.GradebookGrade{}).Error; err != nil {
			return fmt.Errorf("delete grades: %w", err)
		}
		if err := tx.Where("assignment_id = ?", submission.ID).Delete(&models.GradebookNotebook{}).Error; err != nil {
			return fmt.Errorf("delete notebooks: %w", err)
		}
		if err := tx.Delete(&models.GradebookSubmission{}, "id = ?", submission.ID).Error; err != nil {
			return fmt.Errorf("delete submission: %w", err)
		}
		return nil
	})
}

func (r *gradebookRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func findSubmission(db *gorm.DB, assignment, student string) (models.GradebookSubmission, error) {
	var asg models.GradebookAssignment
	if err := db.Where("name = ?", assignment).First(&asg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradebookSubmission{}, fmt.Errorf("assignment %s: %w", assignment, ErrMissingEntry)
		}
		return models.GradebookSubmission{}, err
	}

	var submission models.GradebookSubmission
	if err := db.Where("assignment_id = ? AND student_id = ?", asg.ID, student).First(&submission).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradebookSubmission{}, fmt.Errorf("submission %s/%s: %w", assignment, student, ErrMissingEntry)
		}
		return models.GradebookSubmission{}, err
	}
	return submission, nil
}
