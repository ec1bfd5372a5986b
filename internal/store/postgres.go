package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/Kwendataxi/kwenda-dispatch/internal/models"
)

// PostgresStore implements DispatchStore on requests/offers tables. The
// accept transition rides on conditional UPDATEs inside one transaction;
// row locks serialize racing accepts per request.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests(id, service_type, origin_lat, origin_lng, dest_lat, dest_lng,
			estimated_price, urgency, required_class, status, assigned_driver_id,
			payment_ref, rebroadcasts, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14,$15)`,
		r.ID, string(r.ServiceType), r.Origin.Lat, r.Origin.Lng, r.Destination.Lat, r.Destination.Lng,
		r.EstimatedPrice, string(r.Urgency), string(r.RequiredClass), string(r.Status), r.AssignedDriverID,
		r.PaymentRef, r.Rebroadcasts, r.CreatedAt, r.UpdatedAt)
	return err
}

const requestColumns = `id, service_type, origin_lat, origin_lng, dest_lat, dest_lng,
	estimated_price, urgency, required_class, status, COALESCE(assigned_driver_id, ''),
	COALESCE(payment_ref, ''), rebroadcasts, created_at, updated_at`

func scanRequest(row interface {
	Scan(dest ...interface{}) error
}) (*models.Request, error) {
	var r models.Request
	var st, urg, cls, status string
	err := row.Scan(&r.ID, &st, &r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.EstimatedPrice, &urg, &cls, &status, &r.AssignedDriverID,
		&r.PaymentRef, &r.Rebroadcasts, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ServiceType = models.ServiceType(st)
	r.Urgency = models.Urgency(urg)
	r.RequiredClass = models.VehicleClass(cls)
	r.Status = models.RequestStatus(status)
	return &r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, from, to models.RequestStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) ClearAssignment(ctx context.Context, id string, to models.RequestStatus) (string, error) {
	var freed string
	err := p.db.QueryRowContext(ctx, `
		UPDATE requests SET assigned_driver_id=NULL, status=$1, updated_at=now()
		FROM (SELECT id, assigned_driver_id AS prev_driver FROM requests WHERE id=$2 FOR UPDATE) prev
		WHERE requests.id = prev.id
		RETURNING COALESCE(prev.prev_driver, '')`,
		string(to), id).Scan(&freed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return freed, err
}

func (p *PostgresStore) BumpRebroadcast(ctx context.Context, id string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`UPDATE requests SET rebroadcasts=rebroadcasts+1, updated_at=now() WHERE id=$1 RETURNING rebroadcasts`,
		id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, o := range offers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offers(request_id, driver_id, state, issued_at, ttl_ms)
			VALUES($1,$2,$3,$4,$5)
			ON CONFLICT (request_id, driver_id) DO UPDATE
			SET state=EXCLUDED.state, issued_at=EXCLUDED.issued_at, ttl_ms=EXCLUDED.ttl_ms
			WHERE offers.state IN ('rejected','expired')`,
			o.RequestID, o.DriverID, string(o.State), o.IssuedAt, o.TTL.Milliseconds()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) OffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_id, driver_id, state, issued_at, ttl_ms FROM offers WHERE request_id=$1`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(rows *sql.Rows) (models.Offer, error) {
	var o models.Offer
	var state string
	var ttlMs int64
	if err := rows.Scan(&o.RequestID, &o.DriverID, &state, &o.IssuedAt, &ttlMs); err != nil {
		return models.Offer{}, err
	}
	o.State = models.OfferState(state)
	o.TTL = time.Duration(ttlMs) * time.Millisecond
	return o, nil
}

func (p *PostgresStore) MarkOffer(ctx context.Context, requestID, driverID string, from, to models.OfferState) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offers SET state=$1 WHERE request_id=$2 AND driver_id=$3 AND state=$4`,
		string(to), requestID, driverID, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, requestID, driverID string, accepted models.RequestStatus, now time.Time) (AcceptOutcome, []string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return AcceptNotFound, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE offers SET state='accepted'
		WHERE request_id=$1 AND driver_id=$2 AND state='pending' AND issued_at + ttl_ms * interval '1 millisecond' > $3`,
		requestID, driverID, now)
	if err != nil {
		return AcceptNotFound, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		outcome, err := p.classifyFailedAccept(ctx, tx, requestID, driverID, now)
		if err != nil {
			return AcceptNotFound, nil, err
		}
		return outcome, nil, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE requests SET assigned_driver_id=$1, status=$2, updated_at=$3
		WHERE id=$4 AND assigned_driver_id IS NULL`,
		driverID, string(accepted), now, requestID)
	if err != nil {
		return AcceptNotFound, nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// another driver won between our two updates; undo our accept
		if _, err := tx.ExecContext(ctx,
			`UPDATE offers SET state='rejected' WHERE request_id=$1 AND driver_id=$2`,
			requestID, driverID); err != nil {
			return AcceptNotFound, nil, err
		}
		return AcceptConflict, nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE offers SET state='rejected'
		WHERE request_id=$1 AND driver_id<>$2 AND state='pending'
		RETURNING driver_id`,
		requestID, driverID)
	if err != nil {
		return AcceptNotFound, nil, err
	}
	var losers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return AcceptNotFound, nil, err
		}
		losers = append(losers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return AcceptNotFound, nil, err
	}
	return AcceptAssigned, losers, tx.Commit()
}

func (p *PostgresStore) classifyFailedAccept(ctx context.Context, tx *sql.Tx, requestID, driverID string, now time.Time) (AcceptOutcome, error) {
	var state string
	var deadline time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT state, issued_at + ttl_ms * interval '1 millisecond'
		FROM offers WHERE request_id=$1 AND driver_id=$2`,
		requestID, driverID).Scan(&state, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return AcceptNotFound, nil
	}
	if err != nil {
		return AcceptNotFound, err
	}
	switch models.OfferState(state) {
	case models.OfferAccepted:
		// idempotent only while the assignment still stands; after a
		// cancellation the request no longer carries this driver
		var assigned sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT assigned_driver_id FROM requests WHERE id=$1`, requestID).Scan(&assigned)
		if err != nil {
			return AcceptNotFound, err
		}
		if assigned.Valid && assigned.String == driverID {
			return AcceptAssigned, nil
		}
		return AcceptConflict, nil
	case models.OfferPending:
		// pending but past deadline: fold it into expired now
		if _, err := tx.ExecContext(ctx,
			`UPDATE offers SET state='expired' WHERE request_id=$1 AND driver_id=$2 AND state='pending'`,
			requestID, driverID); err != nil {
			return AcceptNotFound, err
		}
		return AcceptExpired, nil
	case models.OfferExpired:
		return AcceptExpired, nil
	default:
		return AcceptConflict, nil
	}
}

func (p *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE offers SET state='expired'
		WHERE state='pending' AND issued_at + ttl_ms * interval '1 millisecond' < $1
		RETURNING request_id, driver_id, state, issued_at, ttl_ms`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpirePendingForDriver(ctx context.Context, driverID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offers SET state='expired' WHERE driver_id=$1 AND state='pending'`, driverID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) ExpireActiveForRequest(ctx context.Context, requestID string) error {
	// the accepted row must go too, or the partial unique index blocks any
	// accept after a cancel-and-requeue
	_, err := p.db.ExecContext(ctx,
		`UPDATE offers SET state='expired' WHERE request_id=$1 AND state IN ('pending','accepted')`, requestID)
	return err
}

func (p *PostgresStore) StalledRequests(ctx context.Context, now time.Time) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests r
		WHERE r.assigned_driver_id IS NULL
		  AND r.status IN ('pending','dispatching')
		  AND NOT EXISTS (
			SELECT 1 FROM offers o
			WHERE o.request_id=r.id AND o.state='pending'
			  AND o.issued_at + o.ttl_ms * interval '1 millisecond' >= $1
		  )`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
