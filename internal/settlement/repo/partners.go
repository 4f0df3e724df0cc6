package repo

import "context"

// PartnersRepo reads partner records and memberships.
type PartnersRepo struct {
	c *Conn
}

// NewPartnersRepo constructs a PartnersRepo.
func NewPartnersRepo(c *Conn) *PartnersRepo {
	return &PartnersRepo{c: c}
}

// Get fetches a partner by id.
func (r *PartnersRepo) Get(ctx context.Context, id string) (Partner, error) {
	var p Partner
	err := r.c.queryRow(ctx, `SELECT id, name, contact_email, suspended FROM partners WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.ContactEmail, &p.Suspended)
	if err != nil {
		return Partner{}, notFound(err)
	}
	return p, nil
}

// IsMember reports whether the user belongs to the partner.
func (r *PartnersRepo) IsMember(ctx context.Context, partnerID, userID string) (bool, error) {
	var n int
	err := r.c.queryRow(ctx, `SELECT COUNT(*) FROM partner_members WHERE partner_id = ? AND user_id = ?`, partnerID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemberIDs lists the users of a partner.
func (r *PartnersRepo) MemberIDs(ctx context.Context, partnerID string) ([]string, error) {
	rows, err := r.c.query(ctx, `SELECT user_id FROM partner_members WHERE partner_id = ? ORDER BY user_id`, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
