// organization_repository.go implements OrganizationRepository, providing database queries
// for organization CRUD and membership management.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/packregistry/packregistry/internal/db/models"
)

var (
	// ErrOrganizationExists is returned by Create when the name is taken.
	ErrOrganizationExists = errors.New("organization already exists")

	// ErrMemberExists is returned by InsertMember when a concurrent insert won.
	ErrMemberExists = errors.New("organization member already exists")
)

const orgColumns = `id, name, display_name, description, created_at, updated_at`
const memberColumns = `org_name, username, role, created_at, updated_at`

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sql.DB
	q  DBTX
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db, q: db}
}

// InTx runs fn with a repository bound to a single transaction
func (r *OrganizationRepository) InTx(ctx context.Context, fn func(tx *OrganizationRepository) error) error {
	if _, ok := r.q.(*sql.Tx); ok {
		return fn(r)
	}
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&OrganizationRepository{db: r.db, q: tx})
	})
}

func scanOrg(s rowScanner) (*models.Organization, error) {
	org := &models.Organization{}
	if err := s.Scan(
		&org.ID,
		&org.Name,
		&org.DisplayName,
		&org.Description,
		&org.CreatedAt,
		&org.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return org, nil
}

func scanMember(s rowScanner) (*models.OrgMember, error) {
	m := &models.OrgMember{}
	var role string
	if err := s.Scan(&m.OrgName, &m.Username, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	return m, nil
}

// Create inserts a new organization
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	org.ID = uuid.New().String()
	query := `
		INSERT INTO organizations (id, name, display_name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRowContext(ctx, query, org.ID, org.Name, org.DisplayName, org.Description).
		Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return ErrOrganizationExists
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetByName retrieves an organization by its name
func (r *OrganizationRepository) GetByName(ctx context.Context, name string) (*models.Organization, error) {
	return r.getOrg(ctx, `SELECT `+orgColumns+` FROM organizations WHERE name = $1`, name)
}

// LockByName is GetByName with a row lock held until the surrounding
// transaction ends. Membership changes that count owners take it first so
// they serialize per organization.
func (r *OrganizationRepository) LockByName(ctx context.Context, name string) (*models.Organization, error) {
	return r.getOrg(ctx, `SELECT `+orgColumns+` FROM organizations WHERE name = $1 FOR UPDATE`, name)
}

func (r *OrganizationRepository) getOrg(ctx context.Context, query, name string) (*models.Organization, error) {
	org, err := scanOrg(r.q.QueryRowContext(ctx, query, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// Update applies the non-nil fields and returns the updated row, or nil when not found
func (r *OrganizationRepository) Update(ctx context.Context, name string, displayName, description *string) (*models.Organization, error) {
	query := `
		UPDATE organizations SET
			display_name = COALESCE($2, display_name),
			description  = COALESCE($3, description),
			updated_at   = NOW()
		WHERE name = $1
		RETURNING ` + orgColumns

	org, err := scanOrg(r.q.QueryRowContext(ctx, query, name, displayName, description))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update organization: %w", err)
	}
	return org, nil
}

// Delete removes an organization; memberships cascade
func (r *OrganizationRepository) Delete(ctx context.Context, name string) (bool, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM organizations WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete organization: %w", err)
	}
	return affected(result)
}

// Count returns the number of organizations
func (r *OrganizationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count organizations: %w", err)
	}
	return n, nil
}

// === Organization Membership Operations ===

// GetMember returns one membership, or nil when the user is not a member
func (r *OrganizationRepository) GetMember(ctx context.Context, orgName, username string) (*models.OrgMember, error) {
	query := `SELECT ` + memberColumns + ` FROM org_members WHERE org_name = $1 AND username = $2`
	return r.getMember(ctx, query, orgName, username)
}

// LockMember is GetMember with a row lock held until the surrounding transaction ends
func (r *OrganizationRepository) LockMember(ctx context.Context, orgName, username string) (*models.OrgMember, error) {
	query := `SELECT ` + memberColumns + ` FROM org_members WHERE org_name = $1 AND username = $2 FOR UPDATE`
	return r.getMember(ctx, query, orgName, username)
}

func (r *OrganizationRepository) getMember(ctx context.Context, query, orgName, username string) (*models.OrgMember, error) {
	m, err := scanMember(r.q.QueryRowContext(ctx, query, orgName, username))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization member: %w", err)
	}
	return m, nil
}

// InsertMember adds a new membership row
func (r *OrganizationRepository) InsertMember(ctx context.Context, m *models.OrgMember) error {
	query := `
		INSERT INTO org_members (org_name, username, role)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	err := r.q.QueryRowContext(ctx, query, m.OrgName, m.Username, string(m.Role)).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return ErrMemberExists
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// UpdateMemberRole changes the role of an existing membership in place
func (r *OrganizationRepository) UpdateMemberRole(ctx context.Context, orgName, username string, role models.Role) (*models.OrgMember, error) {
	query := `
		UPDATE org_members SET role = $3, updated_at = NOW()
		WHERE org_name = $1 AND username = $2
		RETURNING ` + memberColumns

	m, err := scanMember(r.q.QueryRowContext(ctx, query, orgName, username, string(role)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update member role: %w", err)
	}
	return m, nil
}

// RemoveMember deletes a membership. Reports false when it did not exist.
func (r *OrganizationRepository) RemoveMember(ctx context.Context, orgName, username string) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM org_members WHERE org_name = $1 AND username = $2`, orgName, username)
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	return affected(result)
}

// CountOwners returns how many owners an organization has
func (r *OrganizationRepository) CountOwners(ctx context.Context, orgName string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM org_members WHERE org_name = $1 AND role = 'owner'`, orgName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count owners: %w", err)
	}
	return n, nil
}

// ListMembers returns every membership of an organization, oldest first
func (r *OrganizationRepository) ListMembers(ctx context.Context, orgName string) ([]models.OrgMember, error) {
	query := `SELECT ` + memberColumns + ` FROM org_members WHERE org_name = $1 ORDER BY created_at ASC, username ASC`

	rows, err := r.q.QueryContext(ctx, query, orgName)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]models.OrgMember, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// GetUserOrgs returns every organization in which username holds any role
func (r *OrganizationRepository) GetUserOrgs(ctx context.Context, username string) ([]models.Organization, error) {
	query := `
		SELECT o.id, o.name, o.display_name, o.description, o.created_at, o.updated_at
		FROM organizations o
		JOIN org_members m ON m.org_name = o.name
		WHERE m.username = $1
		ORDER BY o.name ASC
	`

	rows, err := r.q.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list user organizations: %w", err)
	}
	defer rows.Close()

	orgs := make([]models.Organization, 0)
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}
