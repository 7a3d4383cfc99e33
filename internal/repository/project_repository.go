package repository

import (
	"context"

	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ProjectRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewProjectRepository(db *gorm.DB, log *logrus.Logger) *ProjectRepository {
	return &ProjectRepository{
		db:  db,
		log: log,
	}
}

// Create registers a project handed over by the projects subsystem.
func (r *ProjectRepository) Create(ctx context.Context, p *model.Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// Get returns the project or model.ErrProjectNotFound.
func (r *ProjectRepository) Get(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	res := r.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&p)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, model.ErrProjectNotFound
	}
	return &p, nil
}

// Allocations lists a project's allocations, oldest first.
func (r *ProjectRepository) Allocations(ctx context.Context, projectID string) ([]model.Allocation, error) {
	var allocs []model.Allocation
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC, id ASC").
		Find(&allocs).Error

	return allocs, err
}

// Disbursements lists a project's disbursements, oldest first.
func (r *ProjectRepository) Disbursements(ctx context.Context, projectID string) ([]model.ProjectDisbursement, error) {
	var ds []model.ProjectDisbursement
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC, id ASC").
		Find(&ds).Error

	return ds, err
}

func (r *ProjectRepository) awaitingSettlement(ctx context.Context) *gorm.DB {
	pledged := r.db.Model(&model.Allocation{}).
		Select("1").
		Where("allocations.project_id = projects.id AND allocations.status = ?", model.AllocationPledged)

	return r.db.WithContext(ctx).Model(&model.Project{}).
		Where("projects.status = ?", model.ProjectFunded).
		Where("EXISTS (?)", pledged)
}

// ListAwaitingSettlement pages funded projects that still hold pledged
// allocations.
func (r *ProjectRepository) ListAwaitingSettlement(ctx context.Context, limit, offset int) ([]model.Project, error) {
	var projects []model.Project
	err := r.awaitingSettlement(ctx).
		Order("projects.funded_at ASC, projects.id ASC").
		Limit(limit).
		Offset(offset).
		Find(&projects).Error

	return projects, err
}

// CountAwaitingSettlement returns the number of projects ListAwaitingSettlement pages over.
func (r *ProjectRepository) CountAwaitingSettlement(ctx context.Context) (int64, error) {
	var count int64
	err := r.awaitingSettlement(ctx).Count(&count).Error
	return count, err
}
