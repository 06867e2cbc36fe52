package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialcare/trialcare/internal/platform/db"
)

// -- Organization Repository --

type orgRepoPG struct {
	pool *pgxpool.Pool
}

func NewOrganizationRepo(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

func (r *orgRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const orgColumns = `o.id, o.name, o.custom_roles,
	COALESCE(o.privacy_policy_url, ''), COALESCE(o.eula_url, ''), COALESCE(o.terms_url, ''),
	COALESCE((SELECT array_agg(d.id::text ORDER BY d.created_at) FROM deployments d WHERE d.organization_id = o.id), '{}'),
	o.created_at, o.updated_at`

func (r *orgRepoPG) Create(ctx context.Context, org *Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	roles, err := json.Marshal(nonNilRoles(org.CustomRoles))
	if err != nil {
		return fmt.Errorf("encode custom roles: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO organizations (id, name, custom_roles, privacy_policy_url, eula_url, terms_url)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))`,
		org.ID, org.Name, roles, org.PrivacyPolicyURL, org.EULAURL, org.TermsURL,
	)
	return err
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	org, err := scanOrg(r.conn(ctx).QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations o WHERE o.id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrOrganizationNotFound
	}
	return org, err
}

func (r *orgRepoPG) Update(ctx context.Context, org *Organization) error {
	roles, err := json.Marshal(nonNilRoles(org.CustomRoles))
	if err != nil {
		return fmt.Errorf("encode custom roles: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE organizations SET
			name = $2, custom_roles = $3,
			privacy_policy_url = NULLIF($4, ''), eula_url = NULLIF($5, ''), terms_url = NULLIF($6, ''),
			updated_at = NOW()
		WHERE id = $1`,
		org.ID, org.Name, roles, org.PrivacyPolicyURL, org.EULAURL, org.TermsURL,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

func (r *orgRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	return err
}

func (r *orgRepoPG) List(ctx context.Context, limit, offset int) ([]*Organization, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+orgColumns+` FROM organizations o ORDER BY o.name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, 0, err
		}
		orgs = append(orgs, org)
	}
	return orgs, total, rows.Err()
}

func scanOrg(row pgx.Row) (*Organization, error) {
	var (
		o      Organization
		roles  []byte
		depIDs []string
	)
	err := row.Scan(
		&o.ID, &o.Name, &roles,
		&o.PrivacyPolicyURL, &o.EULAURL, &o.TermsURL,
		&depIDs, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &o.CustomRoles); err != nil {
		return nil, fmt.Errorf("decode custom roles of organization %s: %w", o.ID, err)
	}
	for _, s := range depIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse deployment id %q: %w", s, err)
		}
		o.DeploymentIDs = append(o.DeploymentIDs, id)
	}
	return &o, nil
}

// -- Deployment Repository --

type deploymentRepoPG struct {
	pool *pgxpool.Pool
}

func NewDeploymentRepo(pool *pgxpool.Pool) DeploymentRepository {
	return &deploymentRepoPG{pool: pool}
}

func (r *deploymentRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const deploymentColumns = `id, organization_id, name, custom_roles,
	COALESCE(privacy_policy_url, ''), COALESCE(eula_url, ''), COALESCE(terms_url, ''),
	COALESCE(country, ''), COALESCE(language, ''), created_at, updated_at`

func (r *deploymentRepoPG) Create(ctx context.Context, dep *Deployment) error {
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	roles, err := json.Marshal(nonNilRoles(dep.CustomRoles))
	if err != nil {
		return fmt.Errorf("encode custom roles: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO deployments (
			id, organization_id, name, custom_roles,
			privacy_policy_url, eula_url, terms_url, country, language
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))`,
		dep.ID, dep.OrganizationID, dep.Name, roles,
		dep.PrivacyPolicyURL, dep.EULAURL, dep.TermsURL, dep.Country, dep.Language,
	)
	return err
}

func (r *deploymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	dep, err := scanDeployment(r.conn(ctx).QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrDeploymentNotFound
	}
	return dep, err
}

func (r *deploymentRepoPG) Update(ctx context.Context, dep *Deployment) error {
	roles, err := json.Marshal(nonNilRoles(dep.CustomRoles))
	if err != nil {
		return fmt.Errorf("encode custom roles: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE deployments SET
			organization_id = $2, name = $3, custom_roles = $4,
			privacy_policy_url = NULLIF($5, ''), eula_url = NULLIF($6, ''), terms_url = NULLIF($7, ''),
			country = NULLIF($8, ''), language = NULLIF($9, ''), updated_at = NOW()
		WHERE id = $1`,
		dep.ID, dep.OrganizationID, dep.Name, roles,
		dep.PrivacyPolicyURL, dep.EULAURL, dep.TermsURL, dep.Country, dep.Language,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeploymentNotFound
	}
	return nil
}

func (r *deploymentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	return err
}

func (r *deploymentRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*Deployment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r *deploymentRepoPG) List(ctx context.Context, limit, offset int) ([]*Deployment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM deployments`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var deps []*Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deps = append(deps, dep)
	}
	return deps, total, rows.Err()
}

func scanDeployment(row pgx.Row) (*Deployment, error) {
	var (
		d     Deployment
		roles []byte
	)
	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &roles,
		&d.PrivacyPolicyURL, &d.EULAURL, &d.TermsURL,
		&d.Country, &d.Language, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &d.CustomRoles); err != nil {
		return nil, fmt.Errorf("decode custom roles of deployment %s: %w", d.ID, err)
	}
	return &d, nil
}

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const userColumns = `id, email, COALESCE(given_name, ''), COALESCE(family_name, ''),
	COALESCE(language, ''), roles, boarding_status, created_at, updated_at`

func (r *userRepoPG) Create(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	roles, boarding, err := encodeUserJSON(user)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO users (id, email, given_name, family_name, language, roles, boarding_status)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		user.ID, NormalizeEmail(user.Email), user.GivenName, user.FamilyName, user.Language, roles, boarding,
	)
	if db.IsUniqueViolation(err, "users_email_key") {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = $1`, NormalizeEmail(email)))
	if db.IsNoRows(err) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *userRepoPG) Update(ctx context.Context, user *User) error {
	roles, boarding, err := encodeUserJSON(user)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE users SET
			given_name = NULLIF($2, ''), family_name = NULLIF($3, ''), language = NULLIF($4, ''),
			roles = $5, boarding_status = $6, updated_at = NOW()
		WHERE id = $1`,
		user.ID, user.GivenName, user.FamilyName, user.Language, roles, boarding,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepoPG) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func encodeUserJSON(user *User) (roles, boarding []byte, err error) {
	if user.Roles == nil {
		roles = []byte("[]")
	} else if roles, err = json.Marshal(user.Roles); err != nil {
		return nil, nil, fmt.Errorf("encode roles: %w", err)
	}
	status := user.BoardingStatus
	if status.Status == "" {
		status.Status = BoardingActive
	}
	if boarding, err = json.Marshal(status); err != nil {
		return nil, nil, fmt.Errorf("encode boarding status: %w", err)
	}
	return roles, boarding, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u               User
		roles, boarding []byte
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.GivenName, &u.FamilyName,
		&u.Language, &roles, &boarding, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles of user %s: %w", u.ID, err)
	}
	if err := json.Unmarshal(boarding, &u.BoardingStatus); err != nil {
		return nil, fmt.Errorf("decode boarding status of user %s: %w", u.ID, err)
	}
	return &u, nil
}

func nonNilRoles(roles []CustomRole) []CustomRole {
	if roles == nil {
		return []CustomRole{}
	}
	return roles
}
