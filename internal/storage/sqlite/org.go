package sqlite

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// CreateOrg inserts a new organization.
func (s *Store) CreateOrg(ctx context.Context, org *gateway.Organization) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (id, name, credits, plan, retention_level, status,
		 auto_topup_enabled, auto_topup_threshold, auto_topup_amount, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Credits, org.Plan, org.RetentionLevel, org.Status,
		boolToInt(org.AutoTopUpEnabled), nullDec(org.AutoTopUpThreshold), nullDec(org.AutoTopUpAmount),
		timeToStr(org.CreatedAt), timeToStr(org.UpdatedAt),
	)
	return err
}

// GetOrg retrieves an organization by ID.
func (s *Store) GetOrg(ctx context.Context, id string) (*gateway.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, credits, plan, retention_level, status,
		 auto_topup_enabled, auto_topup_threshold, auto_topup_amount, created_at, updated_at
		 FROM organizations WHERE id=?`, id,
	)
	return scanOrg(row)
}

// ListOrgs returns organizations ordered by name.
func (s *Store) ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, credits, plan, retention_level, status,
		 auto_topup_enabled, auto_topup_threshold, auto_topup_amount, created_at, updated_at
		 FROM organizations ORDER BY name LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*gateway.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// UpdateOrg updates an organization. Credits are written as-is; billing
// adjustments go through SettleBatch and AddCredits instead.
func (s *Store) UpdateOrg(ctx context.Context, org *gateway.Organization) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE organizations SET name=?, credits=?, plan=?, retention_level=?, status=?,
		 auto_topup_enabled=?, auto_topup_threshold=?, auto_topup_amount=?, updated_at=?
		 WHERE id=?`,
		org.Name, org.Credits, org.Plan, org.RetentionLevel, org.Status,
		boolToInt(org.AutoTopUpEnabled), nullDec(org.AutoTopUpThreshold), nullDec(org.AutoTopUpAmount),
		timeToStr(time.Now()), org.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *gateway.Project) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, mode, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.Mode, p.Status, timeToStr(p.CreatedAt), timeToStr(p.UpdatedAt),
	)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*gateway.Project, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, org_id, name, mode, status, created_at, updated_at
		 FROM projects WHERE id=?`, id,
	)
	return scanProject(row)
}

// ListProjects returns all projects in an organization.
func (s *Store) ListProjects(ctx context.Context, orgID string) ([]*gateway.Project, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, name, mode, status, created_at, updated_at
		 FROM projects WHERE org_id=? ORDER BY name`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*gateway.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project.
func (s *Store) UpdateProject(ctx context.Context, p *gateway.Project) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE projects SET name=?, mode=?, status=?, updated_at=? WHERE id=?`,
		p.Name, p.Mode, p.Status, timeToStr(time.Now()), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "project")
}

func scanOrg(s scanner) (*gateway.Organization, error) {
	var o gateway.Organization
	var enabled int
	var threshold, amount decimal.NullDecimal
	var createdAt, updatedAt string

	err := s.Scan(&o.ID, &o.Name, &o.Credits, &o.Plan, &o.RetentionLevel, &o.Status,
		&enabled, &threshold, &amount, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	o.AutoTopUpEnabled = enabled != 0
	o.AutoTopUpThreshold = ptrDec(threshold)
	o.AutoTopUpAmount = ptrDec(amount)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

func scanProject(s scanner) (*gateway.Project, error) {
	var p gateway.Project
	var createdAt, updatedAt string

	err := s.Scan(&p.ID, &p.OrgID, &p.Name, &p.Mode, &p.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
