package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the durable Store implementation backing escrowd's persisted
// state (spec §6). It mirrors the split channeldb.DB draws between opening
// a handle and synchronizing schema versions on Open, except the migration
// runner here is golang-migrate rather than a hand-rolled bolt bucket
// walker, since the backing store is relational.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies any pending migrations before returning,
// the same "open, then sync schema version" sequence channeldb.Open follows.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("escrowd/store: migration failed: %w", err)
	}

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("escrowd/store: connect failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the pool's connections.
func (p *Postgres) Close() {
	p.pool.Close()
}

func costsToJSON(c *domain.OperationalCosts) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func costsFromJSON(raw []byte) (*domain.OperationalCosts, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c domain.OperationalCosts
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

const dealColumns = `id, short_id, creator_role, buyer_id, seller_id, product_name, description,
	asset, amount, commission, commission_payer, deadline, status, multisig_address,
	buyer_payout_address, seller_payout_address, buyer_signer_address, seller_signer_address,
	deposit_tx_hash, payout_tx_hash, deposit_notification_sent, deadline_notification_sent,
	pending_key_validation, operational_costs, completed_at, version, created_at, updated_at`

func scanDeal(row pgx.Row) (*domain.Deal, error) {
	var d domain.Deal
	var pendingKV sql.NullString
	var costsRaw []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.ShortID, &d.CreatorRole, &d.BuyerID, &d.SellerID, &d.ProductName, &d.Description,
		&d.Asset, &d.Amount, &d.Commission, &d.CommissionPayer, &d.Deadline, &d.Status, &d.MultisigAddress,
		&d.BuyerPayoutAddress, &d.SellerPayoutAddress, &d.BuyerSignerAddress, &d.SellerSignerAddress,
		&d.DepositTxHash, &d.PayoutTxHash, &d.DepositNotificationSent, &d.DeadlineNotificationSent,
		&pendingKV, &costsRaw, &completedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if pendingKV.Valid {
		kind := domain.KeyValidationKind(pendingKV.String)
		d.PendingKeyValidation = &kind
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	costs, err := costsFromJSON(costsRaw)
	if err != nil {
		return nil, err
	}
	d.OperationalCosts = costs

	return &d, nil
}

func (p *Postgres) CreateDeal(ctx context.Context, d *domain.Deal) error {
	costsRaw, err := costsToJSON(d.OperationalCosts)
	if err != nil {
		return err
	}

	var pendingKV *string
	if d.PendingKeyValidation != nil {
		s := string(*d.PendingKeyValidation)
		pendingKV = &s
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO deals (short_id, creator_role, buyer_id, seller_id, product_name, description,
			asset, amount, commission, commission_payer, deadline, status, multisig_address,
			buyer_payout_address, seller_payout_address, buyer_signer_address, seller_signer_address,
			deposit_tx_hash, payout_tx_hash, deposit_notification_sent, deadline_notification_sent,
			pending_key_validation, operational_costs, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,1)
		RETURNING id, version, created_at, updated_at`,
		d.ShortID, d.CreatorRole, d.BuyerID, d.SellerID, d.ProductName, d.Description,
		d.Asset, d.Amount, d.Commission, d.CommissionPayer, d.Deadline, d.Status, d.MultisigAddress,
		d.BuyerPayoutAddress, d.SellerPayoutAddress, d.BuyerSignerAddress, d.SellerSignerAddress,
		d.DepositTxHash, d.PayoutTxHash, d.DepositNotificationSent, d.DeadlineNotificationSent,
		pendingKV, costsRaw, d.CompletedAt,
	)
	return row.Scan(&d.ID, &d.Version, &d.CreatedAt, &d.UpdatedAt)
}

func (p *Postgres) GetDeal(ctx context.Context, id int64) (*domain.Deal, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	return scanDeal(row)
}

func (p *Postgres) GetDealByShortID(ctx context.Context, shortID string) (*domain.Deal, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE short_id = $1`, shortID)
	return scanDeal(row)
}

func (p *Postgres) GetDealByMultisigAddress(ctx context.Context, address string) (*domain.Deal, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE multisig_address = $1`, address)
	return scanDeal(row)
}

func (p *Postgres) ListDeals(ctx context.Context, filter DealFilter) ([]*domain.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE TRUE`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if filter.BuyerID != "" {
		query += ` AND buyer_id = ` + arg(filter.BuyerID)
	}
	if filter.SellerID != "" {
		query += ` AND seller_id = ` + arg(filter.SellerID)
	}
	if filter.UserID != "" {
		query += ` AND (buyer_id = ` + arg(filter.UserID) + ` OR seller_id = ` + arg(filter.UserID) + `)`
	}
	if filter.DeadlineBefore != nil {
		query += ` AND deadline < ` + arg(time.Unix(*filter.DeadlineBefore, 0))
	}
	query += ` ORDER BY id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) HasActiveDeal(ctx context.Context, userID string) (bool, error) {
	statuses := make([]string, 0, len(domain.ActiveStatuses))
	for s := range domain.ActiveStatuses {
		statuses = append(statuses, string(s))
	}

	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deals
			WHERE (buyer_id = $1 OR seller_id = $1) AND status = ANY($2)
		)`, userID, statuses).Scan(&exists)
	return exists, err
}

// UpdateDeal performs the optimistic-concurrency compare-and-swap invariant
// 5 (§3, §5) relies on: the WHERE clause pins the expected version, and a
// zero row count means someone else moved the deal first.
func (p *Postgres) UpdateDeal(ctx context.Context, d *domain.Deal) error {
	costsRaw, err := costsToJSON(d.OperationalCosts)
	if err != nil {
		return err
	}
	var pendingKV *string
	if d.PendingKeyValidation != nil {
		s := string(*d.PendingKeyValidation)
		pendingKV = &s
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE deals SET
			product_name = $1, description = $2, amount = $3, commission = $4,
			commission_payer = $5, deadline = $6, status = $7, multisig_address = $8,
			buyer_payout_address = $9, seller_payout_address = $10,
			buyer_signer_address = $11, seller_signer_address = $12,
			deposit_tx_hash = $13, payout_tx_hash = $14,
			deposit_notification_sent = $15, deadline_notification_sent = $16,
			pending_key_validation = $17, operational_costs = $18, completed_at = $19,
			version = version + 1, updated_at = now()
		WHERE id = $20 AND version = $21
		RETURNING version, updated_at`,
		d.ProductName, d.Description, d.Amount, d.Commission,
		d.CommissionPayer, d.Deadline, d.Status, d.MultisigAddress,
		d.BuyerPayoutAddress, d.SellerPayoutAddress,
		d.BuyerSignerAddress, d.SellerSignerAddress,
		d.DepositTxHash, d.PayoutTxHash,
		d.DepositNotificationSent, d.DeadlineNotificationSent,
		pendingKV, costsRaw, d.CompletedAt,
		d.ID, d.Version,
	)

	var newVersion int64
	var updatedAt time.Time
	if err := row.Scan(&newVersion, &updatedAt); err != nil {
		if err == pgx.ErrNoRows {
			// Distinguish "no such deal" from "version moved" so callers
			// surface the conflict instead of a misleading not-found.
			if _, getErr := p.GetDeal(ctx, d.ID); getErr == ErrNotFound {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		return err
	}
	d.Version = newVersion
	d.UpdatedAt = updatedAt
	return nil
}

func (p *Postgres) GetWallet(ctx context.Context, dealID int64) (*domain.MultisigWallet, error) {
	var w domain.MultisigWallet
	var signersRaw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT deal_id, address, active_signers, private_key, last_trx, last_usdt, activated
		FROM multisig_wallets WHERE deal_id = $1`, dealID).
		Scan(&w.DealID, &w.Address, &signersRaw, &w.PrivateKey, &w.LastKnownTRXBalance, &w.LastKnownUSDTBalance, &w.Activated)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signersRaw, &w.ActiveSigners); err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *Postgres) PutWallet(ctx context.Context, w *domain.MultisigWallet) error {
	signersRaw, err := json.Marshal(w.ActiveSigners)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO multisig_wallets (deal_id, address, active_signers, private_key, last_trx, last_usdt, activated)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (deal_id) DO UPDATE SET
			address = EXCLUDED.address, active_signers = EXCLUDED.active_signers,
			private_key = EXCLUDED.private_key, last_trx = EXCLUDED.last_trx,
			last_usdt = EXCLUDED.last_usdt, activated = EXCLUDED.activated`,
		w.DealID, w.Address, signersRaw, w.PrivateKey, w.LastKnownTRXBalance, w.LastKnownUSDTBalance, w.Activated)
	return err
}

func (p *Postgres) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO transactions (deal_id, type, asset, amount, tx_hash, from_addr, to_addr, status, block)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		tx.DealID, tx.Type, tx.Asset, tx.Amount, tx.TxHash, tx.From, tx.To, tx.Status, tx.Block)
	return row.Scan(&tx.ID, &tx.CreatedAt)
}

func (p *Postgres) ListTransactions(ctx context.Context, dealID int64) ([]*domain.Transaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, deal_id, type, asset, amount, tx_hash, from_addr, to_addr, status, block, created_at
		FROM transactions WHERE deal_id = $1 ORDER BY id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.DealID, &t.Type, &t.Asset, &t.Amount, &t.TxHash, &t.From, &t.To, &t.Status, &t.Block, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) SumByType(ctx context.Context, dealID int64, types ...domain.TransactionType) (string, error) {
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	var sum decimal.NullDecimal
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE deal_id = $1 AND type = ANY($2)`,
		dealID, strs).Scan(&sum)
	if err != nil {
		return "", err
	}
	if !sum.Valid {
		return decimal.Zero.String(), nil
	}
	return sum.Decimal.String(), nil
}

func (p *Postgres) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO audit_log (deal_id, from_status, to_status, actor, reason)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		e.DealID, e.FromStatus, e.ToStatus, e.Actor, e.Reason)
	return row.Scan(&e.ID, &e.CreatedAt)
}

func (p *Postgres) ListAudit(ctx context.Context, dealID int64) ([]*domain.AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, deal_id, from_status, to_status, actor, reason, created_at
		FROM audit_log WHERE deal_id = $1 ORDER BY id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	mediaRaw, err := json.Marshal(d.MediaIDs)
	if err != nil {
		return err
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO disputes (deal_id, opener_id, reason, media_ids, status, prior_status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at`,
		d.DealID, d.OpenerID, d.Reason, mediaRaw, d.Status, d.PriorStatus)
	return row.Scan(&d.ID, &d.CreatedAt)
}

func scanDispute(row pgx.Row) (*domain.Dispute, error) {
	var d domain.Dispute
	var mediaRaw []byte
	var decision sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&d.ID, &d.DealID, &d.OpenerID, &d.Reason, &mediaRaw, &d.Status, &d.PriorStatus, &decision, &d.ArbiterReason, &d.CreatedAt, &resolvedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mediaRaw, &d.MediaIDs); err != nil {
		return nil, err
	}
	if decision.Valid {
		dec := domain.DisputeDecision(decision.String)
		d.Decision = &dec
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func (p *Postgres) GetDispute(ctx context.Context, id int64) (*domain.Dispute, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, deal_id, opener_id, reason, media_ids, status, prior_status, decision, arbiter_reason, created_at, resolved_at
		FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *Postgres) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*domain.Dispute, error) {
	query := `SELECT id, deal_id, opener_id, reason, media_ids, status, prior_status, decision, arbiter_reason, created_at, resolved_at
		FROM disputes WHERE TRUE`
	var args []interface{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY id DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOpenDisputeForDeal(ctx context.Context, dealID int64) (*domain.Dispute, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, deal_id, opener_id, reason, media_ids, status, prior_status, decision, arbiter_reason, created_at, resolved_at
		FROM disputes WHERE deal_id = $1 AND status = $2
		ORDER BY id DESC LIMIT 1`, dealID, domain.DisputeOpen)
	return scanDispute(row)
}

func (p *Postgres) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	mediaRaw, err := json.Marshal(d.MediaIDs)
	if err != nil {
		return err
	}
	var decision *string
	if d.Decision != nil {
		s := string(*d.Decision)
		decision = &s
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE disputes SET reason = $1, media_ids = $2, status = $3, decision = $4,
			arbiter_reason = $5, resolved_at = $6
		WHERE id = $7`,
		d.Reason, mediaRaw, d.Status, decision, d.ArbiterReason, d.ResolvedAt, d.ID)
	return err
}

func (p *Postgres) GetDisputeStats(ctx context.Context, userID string) (*domain.DisputeStats, error) {
	var s domain.DisputeStats
	s.UserID = userID
	err := p.pool.QueryRow(ctx, `
		SELECT loss_streak, win_streak, blacklisted FROM dispute_stats WHERE user_id = $1`, userID).
		Scan(&s.LossStreak, &s.WinStreak, &s.Blacklisted)
	if err == pgx.ErrNoRows {
		return &domain.DisputeStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) PutDisputeStats(ctx context.Context, s *domain.DisputeStats) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dispute_stats (user_id, loss_streak, win_streak, blacklisted)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE SET
			loss_streak = EXCLUDED.loss_streak, win_streak = EXCLUDED.win_streak,
			blacklisted = EXCLUDED.blacklisted`,
		s.UserID, s.LossStreak, s.WinStreak, s.Blacklisted)
	return err
}

var _ Store = (*Postgres)(nil)
