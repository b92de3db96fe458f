package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

const releaseNotebook = `{
 "cells": [
  {"cell_type": "code", "metadata": {"nbgrader": {"grade": true, "grade_id": "q1", "points": 4}}, "source": ["x = 1"]},
  {"cell_type": "code", "metadata": {"nbgrader": {"grade": true, "grade_id": "q2", "points": 6}}, "source": ["y = 2"]}
 ],
 "metadata": {},
 "nbformat": 4,
 "nbformat_minor": 5
}`

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func timeAt(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t
}

func timeRef(value string) *time.Time {
	t := timeAt(value)
	return &t
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testSection() models.CourseSectionInfo {
	return models.CourseSectionInfo{ID: "101", Name: "stat201-001", TimeZone: "UTC", StartAt: timeAt("2024-01-01T00:00:00Z")}
}

func testAssignment(name string) models.Assignment {
	return models.Assignment{
		ID:        "a-" + name,
		Name:      name,
		UnlockAt:  timeRef("2024-01-01T00:00:00Z"),
		DueAt:     timeRef("2024-01-10T23:59:00Z"),
		Published: true,
		Overrides: map[string]models.Override{},
	}
}

func testStudent(id, registered string) models.Student {
	return models.Student{ID: id, Name: "student" + id, RegisteredAt: timeRef(registered), Status: models.StudentStatusActive}
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	root := t.TempDir()
	return Settings{
		CourseGroups:                 map[string][]string{"stat201": {"stat201-001"}},
		Rosters:                      map[string]map[string][]string{"stat201": {"hw1": {"alice", "bob"}}},
		ExtensionDays:                7,
		ReturnSolutionThreshold:      0.93,
		GraderRoot:                   filepath.Join(root, "graders"),
		NbgraderPath:                 "course",
		SubmittedFolder:              "submitted",
		AutogradedFolder:             "autograded",
		FeedbackFolder:               "feedback",
		ReleaseFolder:                "release",
		SourceFolder:                 "source",
		StudentFolderPrefix:          "student_",
		StudentLocalAssignmentFolder: "assignments",
		AttachedStudentRoot:          filepath.Join(root, "students"),
		GraderUID:                    -1,
		GraderGID:                    -1,
		BindTarget:                   "/home/jupyter",
		Workers:                      4,
	}
}

type stubLMS struct {
	mu          sync.Mutex
	sections    map[string]models.CourseSectionInfo
	students    map[string][]models.Student
	assignments map[string][]models.Assignment
	grades      map[string][]models.GradeInfo
	calls       []string
	updated     []models.GradeInfo
	created     []models.Override
	deleted     []models.Override
	deleteErr   error
}

func newStubLMS() *stubLMS {
	return &stubLMS{
		sections:    map[string]models.CourseSectionInfo{},
		students:    map[string][]models.Student{},
		assignments: map[string][]models.Assignment{},
		grades:      map[string][]models.GradeInfo{},
	}
}

func (s *stubLMS) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubLMS) GetCourseSectionInfo(_ context.Context, section string) (models.CourseSectionInfo, error) {
	info, ok := s.sections[section]
	if !ok {
		return models.CourseSectionInfo{}, fmt.Errorf("section %s: %w", section, repository.ErrSectionNotFound)
	}
	return info, nil
}

func (s *stubLMS) GetStudents(_ context.Context, section string) ([]models.Student, error) {
	return s.students[section], nil
}

func (s *stubLMS) GetAssignments(_ context.Context, _ string, section string) ([]models.Assignment, error) {
	return s.assignments[section], nil
}

func (s *stubLMS) GetSubmissions(_ context.Context, _ string, section string, assignment models.Assignment) ([]models.GradeInfo, error) {
	return s.grades[section+"/"+assignment.ID], nil
}

func (s *stubLMS) UpdateGrade(_ context.Context, _ string, grade models.GradeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "update_grade:"+grade.StudentID)
	s.updated = append(s.updated, grade)
	return nil
}

func (s *stubLMS) UpdateOverride(_ context.Context, _ string, _ models.Assignment, override models.Override) error {
	s.record("update_override:" + override.ID)
	return nil
}

func (s *stubLMS) CreateOverrides(_ context.Context, _ string, assignment models.Assignment, overrides []models.Override) ([]models.Override, error) {
	s.record("create:" + assignment.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	created := make([]models.Override, 0, len(overrides))
	for i, override := range overrides {
		override.ID = fmt.Sprintf("new-%d", len(s.created)+i)
		created = append(created, override)
	}
	s.created = append(s.created, created...)
	return created, nil
}

func (s *stubLMS) DeleteOverrides(_ context.Context, _ string, assignment models.Assignment, overrides []models.Override) error {
	s.record("delete:" + assignment.Name)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, overrides...)
	return nil
}

func (s *stubLMS) updatedStudents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.updated))
	for _, grade := range s.updated {
		ids = append(ids, grade.StudentID)
	}
	sort.Strings(ids)
	return ids
}

// stubExecutor records commands and runs an optional side effect against the request, standing in
// for the grading toolchain writing its outputs.
type stubExecutor struct {
	mu       sync.Mutex
	commands []string
	effect   func(req docker.ExecutionRequest) (string, error)
}

func (e *stubExecutor) Run(_ context.Context, req docker.ExecutionRequest) (docker.ExecutionResult, error) {
	e.mu.Lock()
	e.commands = append(e.commands, strings.Join(req.Cmd, " "))
	e.mu.Unlock()

	log := ""
	if e.effect != nil {
		var err error
		log, err = e.effect(req)
		if err != nil {
			return docker.ExecutionResult{}, err
		}
	}
	return docker.ExecutionResult{Status: "exited", Log: log, Attempts: 1}, nil
}

func (e *stubExecutor) ran(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, cmd := range e.commands {
		if strings.HasPrefix(cmd, prefix) {
			count++
		}
	}
	return count
}

type stubGradebook struct {
	mu      sync.Mutex
	entries map[string]models.GradebookEntry
	removed []string
}

func (g *stubGradebook) FindSubmission(_ context.Context, assignment, student string) (models.GradebookEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[assignment+"/"+student]
	if !ok {
		return models.GradebookEntry{}, fmt.Errorf("%s/%s: %w", assignment, student, repository.ErrMissingEntry)
	}
	return entry, nil
}

func (g *stubGradebook) RemoveSubmission(_ context.Context, assignment, student string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := assignment + "/" + student
	if _, ok := g.entries[key]; !ok {
		return fmt.Errorf("%s: %w", key, repository.ErrMissingEntry)
	}
	delete(g.entries, key)
	g.removed = append(g.removed, key)
	return nil
}

func (g *stubGradebook) Close() error { return nil }

type stubGradebookOpener struct {
	gradebook *stubGradebook
	err       error
}

func (o *stubGradebookOpener) Open(context.Context, string) (repository.GradebookRepository, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.gradebook, nil
}

type stubSnapshotStore struct {
	mu       sync.Mutex
	existing map[string]struct{}
	taken    []string
	drop     map[string]struct{}
	openErr  error
	opened   int
	closed   int
}

func newStubSnapshotStore(existing ...string) *stubSnapshotStore {
	store := &stubSnapshotStore{existing: map[string]struct{}{}, drop: map[string]struct{}{}}
	for _, name := range existing {
		store.existing[name] = struct{}{}
	}
	return store
}

func (s *stubSnapshotStore) Open(context.Context) (SnapshotSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &stubSnapshotSession{store: s}, nil
}

func (s *stubSnapshotStore) closedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stubSnapshotSession fails every call made after its own Close, like a dropped connection.
type stubSnapshotSession struct {
	store  *stubSnapshotStore
	closed bool
}

func (s *stubSnapshotSession) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.store.closed++
	}
	return nil
}

func (s *stubSnapshotSession) ListSnapshots(context.Context) ([]string, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	names := make([]string, 0, len(s.store.existing))
	for name := range s.store.existing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *stubSnapshotSession) TakeSnapshot(_ context.Context, spec models.SnapshotSpec) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.store.taken = append(s.store.taken, spec.Name)
	if _, drop := s.store.drop[spec.Name]; !drop {
		s.store.existing[spec.Name] = struct{}{}
	}
	return nil
}

var errSessionClosed = errors.New("session closed")

type stubPublisher struct {
	subjects []string
	payloads [][]byte
}

func (p *stubPublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}
