// Package actioncenter persists and guards the queue of Semi-Auto orders
// awaiting human approval (§3.4, §4.7 approval path). The ownership check on
// approve/reject/delete is non-negotiable: the source's absence of this
// check was a critical IDOR defect, and every entry point here re-derives
// it from the database row rather than trusting a caller-supplied user_id.
package actioncenter

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/events"
)

// Store persists PendingOrder rows against the Main logical store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	ev  *events.Manager
}

// NewStore builds a Store over the Main store's pending_orders table.
func NewStore(db *sql.DB, log zerolog.Logger, ev *events.Manager) *Store {
	return &Store{db: db, log: log.With().Str("component", "actioncenter").Logger(), ev: ev}
}

// Create persists a new pending order in status "pending" and emits
// pending_order_created, implementing gate algorithm step 5.
func (s *Store) Create(ctx context.Context, userID, apiType string, orderBlob map[string]interface{}) (int64, error) {
	blob, err := json.Marshal(orderBlob)
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalErr, "failed to marshal order blob", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_orders (user_id, api_type, order_blob, status, created_at) VALUES (?, ?, ?, 'pending', ?)`,
		userID, apiType, string(blob), time.Now().UTC())
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalErr, "failed to persist pending order", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalErr, "failed to read pending order id", err)
	}
	s.ev.Emit(events.PendingOrderCreated, "actioncenter", map[string]interface{}{
		"pending_order_id": id, "user_id": userID, "api_type": apiType,
	})
	return id, nil
}

// Get loads a pending order by id, regardless of owner — used internally
// before the ownership check; callers outside this package should use
// GetOwned instead.
func (s *Store) Get(ctx context.Context, id int64) (domain.PendingOrder, error) {
	var p domain.PendingOrder
	var blob string
	var decidedAt sql.NullTime
	var decidedBy, rejectionReason, brokerOrderID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, api_type, order_blob, status, created_at, decided_at, decided_by, rejection_reason, broker_order_id
		 FROM pending_orders WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.APIType, &blob, &p.Status, &p.CreatedAt, &decidedAt, &decidedBy, &rejectionReason, &brokerOrderID)
	if err == sql.ErrNoRows {
		return domain.PendingOrder{}, apperr.New(apperr.InternalErr, "pending order not found")
	}
	if err != nil {
		return domain.PendingOrder{}, apperr.Wrap(apperr.InternalErr, "pending order lookup failed", err)
	}
	if err := json.Unmarshal([]byte(blob), &p.OrderBlob); err != nil {
		return domain.PendingOrder{}, apperr.Wrap(apperr.InternalErr, "malformed order blob", err)
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.Time
	}
	p.DecidedBy = decidedBy.String
	p.RejectionReason = rejectionReason.String
	p.BrokerOrderID = brokerOrderID.String
	return p, nil
}

// ListPending returns every pending (undecided) order owned by userID.
func (s *Store) ListPending(ctx context.Context, userID string) ([]domain.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pending_orders WHERE user_id = ? AND status = 'pending' ORDER BY created_at`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "pending order list failed", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "pending order id scan failed", err)
		}
		ids = append(ids, id)
	}

	out := make([]domain.PendingOrder, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// authorize loads the row and verifies callerUserID owns it, satisfying
// testable property 3: a mismatch fails with OwnershipViolation and leaves
// the row untouched, for approve, reject, and delete alike.
func (s *Store) authorize(ctx context.Context, id int64, callerUserID string) (domain.PendingOrder, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	if p.UserID != callerUserID {
		s.log.Warn().Int64("pending_order_id", id).Str("caller", callerUserID).Msg("ownership violation on pending order")
		return domain.PendingOrder{}, apperr.New(apperr.OwnershipViolation, "pending order does not belong to caller")
	}
	return p, nil
}

// Approve marks a pending order approved and records the resulting broker
// order id, after verifying ownership. The caller (router) is responsible
// for actually dispatching the original order_blob to the broker first.
func (s *Store) Approve(ctx context.Context, id int64, callerUserID, brokerOrderID string) (domain.PendingOrder, error) {
	p, err := s.authorize(ctx, id, callerUserID)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE pending_orders SET status = 'approved', decided_at = ?, decided_by = ?, broker_order_id = ? WHERE id = ?`,
		now, callerUserID, brokerOrderID, id)
	if err != nil {
		return domain.PendingOrder{}, apperr.Wrap(apperr.InternalErr, "approve failed", err)
	}
	p.Status = domain.PendingStatusApproved
	p.DecidedAt = &now
	p.DecidedBy = callerUserID
	p.BrokerOrderID = brokerOrderID
	s.ev.Emit(events.PendingOrderApproved, "actioncenter", map[string]interface{}{"pending_order_id": id, "user_id": callerUserID})
	return p, nil
}

// Reject marks a pending order rejected with a reason, after verifying
// ownership.
func (s *Store) Reject(ctx context.Context, id int64, callerUserID, reason string) (domain.PendingOrder, error) {
	p, err := s.authorize(ctx, id, callerUserID)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE pending_orders SET status = 'rejected', decided_at = ?, decided_by = ?, rejection_reason = ? WHERE id = ?`,
		now, callerUserID, reason, id)
	if err != nil {
		return domain.PendingOrder{}, apperr.Wrap(apperr.InternalErr, "reject failed", err)
	}
	p.Status = domain.PendingStatusRejected
	p.DecidedAt = &now
	p.DecidedBy = callerUserID
	p.RejectionReason = reason
	s.ev.Emit(events.PendingOrderRejected, "actioncenter", map[string]interface{}{"pending_order_id": id, "user_id": callerUserID})
	return p, nil
}

// Delete removes a pending order after verifying ownership.
func (s *Store) Delete(ctx context.Context, id int64, callerUserID string) error {
	if _, err := s.authorize(ctx, id, callerUserID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id); err != nil {
		return apperr.Wrap(apperr.InternalErr, "delete failed", err)
	}
	s.ev.Emit(events.PendingOrderDeleted, "actioncenter", map[string]interface{}{"pending_order_id": id, "user_id": callerUserID})
	return nil
}
