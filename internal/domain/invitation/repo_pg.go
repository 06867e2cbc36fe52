package invitation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const invColumns = `i.id, COALESCE(i.email, ''), i.code, COALESCE(i.shortened_code, ''), i.roles,
	i.number_of_try, COALESCE(i.type, 'PERSONAL'), i.expires_at,
	COALESCE(i.sender_id, ''), COALESCE(i.client_id, ''), i.extra_info, i.created_at, i.updated_at`

// typeMatches treats a NULL type as PERSONAL.
const typeMatches = `(i.type = %[1]s OR (%[1]s = 'PERSONAL' AND i.type IS NULL))`

func (r *repoPG) Create(ctx context.Context, inv *Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Type == "" {
		inv.Type = TypePersonal
	}
	roles, extra, err := encodeInvitationJSON(inv)
	if err != nil {
		return err
	}
	patientID := inv.PatientID()

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if patientID != "" {
			// An expired proxy invitation must not block a new one.
			if _, err := r.conn(ctx).Exec(ctx,
				`DELETE FROM invitations WHERE proxy_patient_id = $1 AND expires_at <= NOW()`, patientID); err != nil {
				return fmt.Errorf("clear expired proxy invitation: %w", err)
			}
		}

		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO invitations (id, email, code, shortened_code, roles, number_of_try, type,
				proxy_patient_id, expires_at, sender_id, client_id, extra_info)
			VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7,
				NULLIF($8, ''), $9, NULLIF($10, ''), NULLIF($11, ''), $12)
			RETURNING created_at, updated_at`,
			inv.ID, inv.Email, inv.Code, inv.ShortenedCode, roles, inv.NumberOfTry, string(inv.Type),
			patientID, inv.ExpiresAt, inv.SenderID, inv.ClientID, extra,
		).Scan(&inv.CreateDateTime, &inv.UpdateDateTime)
		switch {
		case db.IsUniqueViolation(err, "invitations_shortened_code_key"):
			return ErrDuplicateShortCode
		case db.IsUniqueViolation(err, "invitations_proxy_patient_key"):
			return ErrProxyPending
		case err != nil:
			return fmt.Errorf("insert invitation: %w", err)
		}
		return nil
	})
}

func (r *repoPG) Update(ctx context.Context, inv *Invitation) error {
	roles, extra, err := encodeInvitationJSON(inv)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE invitations SET
			email = NULLIF($2, ''), code = $3, shortened_code = NULLIF($4, ''), roles = $5,
			number_of_try = $6, type = $7, expires_at = $8,
			sender_id = NULLIF($9, ''), client_id = NULLIF($10, ''), extra_info = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.Email, inv.Code, inv.ShortenedCode, roles,
		inv.NumberOfTry, string(inv.Type), inv.ExpiresAt,
		inv.SenderID, inv.ClientID, extra,
	).Scan(&inv.UpdateDateTime)
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteList(ctx context.Context, ids []uuid.UUID, t Type) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx,
			`DELETE FROM invitations i WHERE i.id = ANY($1) AND `+fmt.Sprintf(typeMatches, "$2"),
			ids, string(t))
		if err != nil {
			return fmt.Errorf("delete invitations: %w", err)
		}
		deleted = int(tag.RowsAffected())
		if deleted != len(ids) {
			return ErrNotFound.WithMessage("%d of %d %s invitations exist", deleted, len(ids), t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *repoPG) Retrieve(ctx context.Context, q RetrieveQuery) (*Invitation, error) {
	if q.empty() {
		return nil, ErrNotFound
	}
	w := newWhere()
	w.add("i.expires_at > NOW()")
	if q.ID != uuid.Nil {
		w.add("i.id = "+w.arg(q.ID))
	}
	if q.Email != "" {
		w.add("lower(i.email) = "+w.arg(strings.ToLower(q.Email)))
	}
	if q.Code != "" {
		w.add("i.code = "+w.arg(q.Code))
	}
	if q.ShortenedCode != "" {
		w.add("i.shortened_code = "+w.arg(q.ShortenedCode))
	}

	inv, err := scanInvitation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invColumns+` FROM invitations i WHERE `+w.String()+` LIMIT 1`, w.args...))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (r *repoPG) RetrieveList(ctx context.Context, q ListQuery) ([]*Invitation, int, int, error) {
	w := newWhere()
	w.add("i.expires_at > NOW()")
	if len(q.RoleIDs) > 0 {
		w.add(`EXISTS (SELECT 1 FROM jsonb_array_elements(i.roles) r WHERE r->>'roleId' = ANY(` + w.arg(q.RoleIDs) + `))`)
	}
	if q.DeploymentID != "" {
		w.add("i.roles @> " + w.arg(resourceFilter(role.ResourceDeployment, q.DeploymentID)) + "::jsonb")
	}
	if q.OrganizationID != "" {
		w.add("i.roles @> " + w.arg(resourceFilter(role.ResourceOrganization, q.OrganizationID)) + "::jsonb")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invitations i WHERE `+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, 0, err
	}

	if q.Email != "" {
		w.add(`i.email ILIKE '%' || ` + w.arg(escapeLike(q.Email)) + ` || '%'`)
	}
	if q.Type != "" {
		w.add(fmt.Sprintf(typeMatches, w.arg(string(q.Type))))
	}

	var filtered int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invitations i WHERE `+w.String(), w.args...).Scan(&filtered); err != nil {
		return nil, 0, 0, err
	}

	query := `SELECT ` + invColumns + ` FROM invitations i WHERE ` + w.String() +
		` ORDER BY ` + orderBy(q.Sort)
	query += ` LIMIT ` + w.arg(q.Limit) + ` OFFSET ` + w.arg(q.Skip)

	rows, err := r.conn(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	var items []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, inv)
	}
	return items, filtered, total, rows.Err()
}

func (r *repoPG) RetrieveProxyInvitation(ctx context.Context, patientID string) (*Invitation, error) {
	inv, err := scanInvitation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invColumns+` FROM invitations i
		WHERE i.proxy_patient_id = $1 AND i.expires_at > NOW()`, patientID))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (r *repoPG) RetrieveUniversal(ctx context.Context, deploymentID, roleID string, from, till time.Time) (*Invitation, error) {
	filter, err := json.Marshal([]map[string]string{{
		"roleId":   roleID,
		"resource": role.FormatResource(role.ResourceDeployment, deploymentID),
	}})
	if err != nil {
		return nil, err
	}
	inv, err := scanInvitation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invColumns+` FROM invitations i
		WHERE i.type = 'UNIVERSAL' AND i.roles @> $1::jsonb
			AND i.expires_at >= $2 AND i.expires_at < $3 AND i.expires_at > NOW()
		ORDER BY i.created_at DESC LIMIT 1`, filter, from, till))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (r *repoPG) RetrieveByCodes(ctx context.Context, codes []string) ([]*Invitation, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invColumns+` FROM invitations i WHERE i.code = ANY($1) AND i.expires_at > NOW()`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

func (r *repoPG) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invitations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired invitations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanInvitation reads a row into the document form and parses it with
// FromMap, so rows and documents share one decoder.
func scanInvitation(row pgx.Row) (*Invitation, error) {
	var (
		id                              uuid.UUID
		email, code, shortened, typ     string
		senderID, clientID              string
		numberOfTry                     int
		roles, extra                    []byte
		expiresAt, createdAt, updatedAt time.Time
	)
	err := row.Scan(
		&id, &email, &code, &shortened, &roles,
		&numberOfTry, &typ, &expiresAt,
		&senderID, &clientID, &extra, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{
		"id":             id.String(),
		"email":          email,
		"code":           code,
		"shortenedCode":  shortened,
		"numberOfTry":    numberOfTry,
		"type":           typ,
		"expiresAt":      expiresAt,
		"createDateTime": createdAt,
		"updateDateTime": updatedAt,
		"senderId":       senderID,
		"clientId":       clientID,
	}
	var roleDocs []interface{}
	if err := json.Unmarshal(roles, &roleDocs); err != nil {
		return nil, fmt.Errorf("decode roles of invitation %s: %w", id, err)
	}
	doc["roles"] = roleDocs
	if len(extra) > 0 {
		var info map[string]interface{}
		if err := json.Unmarshal(extra, &info); err != nil {
			return nil, fmt.Errorf("decode extra info of invitation %s: %w", id, err)
		}
		doc["extraInfo"] = info
	}
	return FromMap(doc)
}

// encodeInvitationJSON renders the JSONB columns from the invitation document.
func encodeInvitationJSON(inv *Invitation) (roles, extra []byte, err error) {
	doc := inv.ToMap()
	if roles, err = json.Marshal(doc["roles"]); err != nil {
		return nil, nil, fmt.Errorf("encode invitation roles: %w", err)
	}
	if info, ok := doc["extraInfo"]; ok {
		if extra, err = json.Marshal(info); err != nil {
			return nil, nil, fmt.Errorf("encode invitation extra info: %w", err)
		}
	}
	return roles, extra, nil
}

func resourceFilter(t role.ResourceType, id string) []byte {
	b, _ := json.Marshal([]map[string]string{{"resource": role.FormatResource(t, id)}})
	return b
}

var sortColumns = map[string]string{
	SortCreateDateTime: "i.created_at",
	SortExpiresAt:      "i.expires_at",
	SortEmail:          "i.email",
}

func orderBy(fields []SortField) string {
	var parts []string
	for _, f := range fields {
		col, ok := sortColumns[f.Field]
		if !ok {
			continue
		}
		if f.Descending {
			col += " DESC"
		}
		parts = append(parts, col)
	}
	if len(parts) == 0 {
		return "i.created_at DESC"
	}
	return strings.Join(parts, ", ") + ", i.id"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// where accumulates AND-ed conditions and their positional arguments.
type where struct {
	conds []string
	args  []interface{}
}

func newWhere() *where {
	return &where{}
}

func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(w.conds, " AND ")
}
