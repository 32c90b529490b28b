package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in Postgres. Status writes are
// conditional UPDATEs so concurrent lifecycle operations serialize at
// the row instead of clobbering each other.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, alias, payer, recipient, initiator,
	total_minor, released_minor, remaining_minor,
	salt, vault_addr, fee_split_addr, factory_addr, chain_id, deployed,
	payer_wallet, recipient_wallet,
	status,
	payer_approved, recipient_approved,
	payer_wants_cancel, recipient_wants_cancel,
	settlement, settlement_history,
	arbitration_status, arbitration_initiator, arbitration_ruling,
	arbitration_requested_at, arbitration_deadline,
	funding_tx, deploy_tx, release_tx, refund_tx,
	vault_balance_minor, amounts_verified, last_synced_at, chain_verified_at,
	last_error, last_error_at,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	settlement, history, err := marshalSettlement(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,
		        $33,$34,$35,$36,$37,$38,$39,$40)`,
		e.ID, nullString(e.Alias), e.Payer, e.Recipient, string(e.Initiator),
		e.TotalMinor, e.ReleasedMinor, e.RemainingMinor,
		nullString(e.Salt), nullString(e.VaultAddr), nullString(e.FeeSplitAddr),
		nullString(e.FactoryAddr), e.ChainID, e.Deployed,
		nullString(e.PayerWallet), nullString(e.RecipientWallet),
		string(e.Status),
		e.PayerApproved, e.RecipientApproved,
		e.PayerWantsCancel, e.RecipientWantsCancel,
		settlement, history,
		string(e.Arbitration.Status), nullString(string(e.Arbitration.Initiator)),
		nullString(e.Arbitration.Ruling),
		nullTime(e.Arbitration.RequestedAt), nullTime(e.Arbitration.ResponseDeadline),
		nullString(e.FundingTx), nullString(e.DeployTx),
		nullString(e.ReleaseTx), nullString(e.RefundTx),
		e.VaultBalanceMinor, e.AmountsVerified,
		nullTime(e.LastSyncedAt), nullTime(e.ChainVerifiedAt),
		nullString(e.LastError), nullTime(e.LastErrorAt),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("escrow %s already exists", e.ID)
		}
		return fmt.Errorf("inserting escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (s *PostgresStore) GetByAlias(ctx context.Context, alias string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE alias = $1`, alias)
	return scanEscrow(row)
}

// Update writes the full record only if the row still holds the status
// the caller read. Zero rows affected means either a concurrent status
// change or a vanished row; we re-check to tell them apart.
func (s *PostgresStore) Update(ctx context.Context, e *Escrow, expect Status) error {
	settlement, history, err := marshalSettlement(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET
			total_minor = $3, released_minor = $4, remaining_minor = $5,
			salt = $6, vault_addr = $7, fee_split_addr = $8,
			factory_addr = $9, chain_id = $10, deployed = $11,
			payer_wallet = $12, recipient_wallet = $13,
			status = $14,
			payer_approved = $15, recipient_approved = $16,
			payer_wants_cancel = $17, recipient_wants_cancel = $18,
			settlement = $19, settlement_history = $20,
			arbitration_status = $21, arbitration_initiator = $22,
			arbitration_ruling = $23, arbitration_requested_at = $24,
			arbitration_deadline = $25,
			funding_tx = $26, deploy_tx = $27, release_tx = $28, refund_tx = $29,
			vault_balance_minor = $30, amounts_verified = $31,
			last_synced_at = $32, chain_verified_at = $33,
			last_error = $34, last_error_at = $35,
			updated_at = $36
		WHERE id = $1 AND status = $2`,
		e.ID, string(expect),
		e.TotalMinor, e.ReleasedMinor, e.RemainingMinor,
		nullString(e.Salt), nullString(e.VaultAddr), nullString(e.FeeSplitAddr),
		nullString(e.FactoryAddr), e.ChainID, e.Deployed,
		nullString(e.PayerWallet), nullString(e.RecipientWallet),
		string(e.Status),
		e.PayerApproved, e.RecipientApproved,
		e.PayerWantsCancel, e.RecipientWantsCancel,
		settlement, history,
		string(e.Arbitration.Status), nullString(string(e.Arbitration.Initiator)),
		nullString(e.Arbitration.Ruling),
		nullTime(e.Arbitration.RequestedAt), nullTime(e.Arbitration.ResponseDeadline),
		nullString(e.FundingTx), nullString(e.DeployTx),
		nullString(e.ReleaseTx), nullString(e.RefundTx),
		e.VaultBalanceMinor, e.AmountsVerified,
		nullTime(e.LastSyncedAt), nullTime(e.ChainVerifiedAt),
		nullString(e.LastError), nullTime(e.LastErrorAt),
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking escrow existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (s *PostgresStore) ListByParty(ctx context.Context, party string, limit int, opts ...ListOption) ([]*Escrow, error) {
	o := applyListOpts(opts)

	var rows *sql.Rows
	var err error
	if o.cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+escrowColumns+` FROM escrows
			WHERE (payer = $1 OR recipient = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, party, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+escrowColumns+` FROM escrows
			WHERE payer = $1 OR recipient = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, party, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListAwaitingDeployment(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'accepted' AND vault_addr IS NOT NULL AND NOT deployed
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing escrows awaiting deployment: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (s *PostgresStore) ListUnsynced(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE vault_addr IS NOT NULL
		  AND (last_synced_at IS NULL OR last_synced_at < $1)
		  AND (status IN ('deployed', 'funded', 'pending_release')
		       OR (status IN ('released', 'refunded', 'settled') AND NOT amounts_verified))
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced escrows: %w", err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, escrow_id, kind, actor, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.EscrowID, ev.Kind, string(ev.Actor), payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting escrow event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, kind, actor, payload, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing escrow events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var actor string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Kind, &actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning escrow event: %w", err)
		}
		ev.Actor = Role(actor)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decoding event payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var alias, salt, vaultAddr, feeSplitAddr, factoryAddr sql.NullString
	var payerWallet, recipientWallet sql.NullString
	var initiator, status string
	var settlement, history []byte
	var arbStatus string
	var arbInitiator, arbRuling sql.NullString
	var arbRequestedAt, arbDeadline sql.NullTime
	var fundingTx, deployTx, releaseTx, refundTx sql.NullString
	var lastSyncedAt, chainVerifiedAt sql.NullTime
	var lastError sql.NullString
	var lastErrorAt sql.NullTime

	err := row.Scan(
		&e.ID, &alias, &e.Payer, &e.Recipient, &initiator,
		&e.TotalMinor, &e.ReleasedMinor, &e.RemainingMinor,
		&salt, &vaultAddr, &feeSplitAddr, &factoryAddr, &e.ChainID, &e.Deployed,
		&payerWallet, &recipientWallet,
		&status,
		&e.PayerApproved, &e.RecipientApproved,
		&e.PayerWantsCancel, &e.RecipientWantsCancel,
		&settlement, &history,
		&arbStatus, &arbInitiator, &arbRuling,
		&arbRequestedAt, &arbDeadline,
		&fundingTx, &deployTx, &releaseTx, &refundTx,
		&e.VaultBalanceMinor, &e.AmountsVerified, &lastSyncedAt, &chainVerifiedAt,
		&lastError, &lastErrorAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escrow: %w", err)
	}

	e.Alias = alias.String
	e.Initiator = Role(initiator)
	e.Salt = salt.String
	e.VaultAddr = vaultAddr.String
	e.FeeSplitAddr = feeSplitAddr.String
	e.FactoryAddr = factoryAddr.String
	e.PayerWallet = payerWallet.String
	e.RecipientWallet = recipientWallet.String
	e.Status = Status(status)
	e.Arbitration.Status = ArbitrationStatus(arbStatus)
	e.Arbitration.Initiator = Role(arbInitiator.String)
	e.Arbitration.Ruling = arbRuling.String
	if arbRequestedAt.Valid {
		e.Arbitration.RequestedAt = &arbRequestedAt.Time
	}
	if arbDeadline.Valid {
		e.Arbitration.ResponseDeadline = &arbDeadline.Time
	}
	e.FundingTx = fundingTx.String
	e.DeployTx = deployTx.String
	e.ReleaseTx = releaseTx.String
	e.RefundTx = refundTx.String
	if lastSyncedAt.Valid {
		e.LastSyncedAt = &lastSyncedAt.Time
	}
	if chainVerifiedAt.Valid {
		e.ChainVerifiedAt = &chainVerifiedAt.Time
	}
	e.LastError = lastError.String
	if lastErrorAt.Valid {
		e.LastErrorAt = &lastErrorAt.Time
	}
	if len(settlement) > 0 {
		var p SettlementProposal
		if err := json.Unmarshal(settlement, &p); err != nil {
			return nil, fmt.Errorf("decoding settlement proposal: %w", err)
		}
		e.Settlement = &p
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &e.SettlementHistory); err != nil {
			return nil, fmt.Errorf("decoding settlement history: %w", err)
		}
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalSettlement(e *Escrow) (settlement, history []byte, err error) {
	if e.Settlement != nil {
		settlement, err = json.Marshal(e.Settlement)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling settlement proposal: %w", err)
		}
	}
	if len(e.SettlementHistory) > 0 {
		history, err = json.Marshal(e.SettlementHistory)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling settlement history: %w", err)
		}
	}
	return settlement, history, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
