// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/simbroker-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrItemNotFound возвращается, если позиция каталога не найдена.
	ErrItemNotFound = errors.New("catalog item not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrEntryNotFound возвращается, если запись журнала не найдена.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, referrerID *int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, referrer_id) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, referrerID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, balance, referrer_id, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.BalanceMinor, &u.ReferrerID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, balance, referrer_id, created_at FROM users WHERE id = $1`,
		userID,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.BalanceMinor, &u.ReferrerID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetCatalogItem возвращает позицию каталога по идентификатору.
func (r *PostgresRepository) GetCatalogItem(ctx context.Context, itemID int64) (*model.CatalogItem, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, kind, provider, provider_id, title, country, service,
		        wholesale, price, min_quantity, max_quantity, active, synced_at
		 FROM catalog_items WHERE id = $1`,
		itemID,
	)

	var it model.CatalogItem
	err := row.Scan(&it.ID, &it.Kind, &it.Provider, &it.ProviderID, &it.Title,
		&it.Country, &it.Service, &it.WholesaleMinor, &it.PriceMinor,
		&it.MinQuantity, &it.MaxQuantity, &it.Active, &it.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get catalog item: %w", err)
	}

	return &it, nil
}

// UpsertCatalogItem создаёт или обновляет позицию каталога по паре
// (provider, provider_id). Цена перезаписывается: каталог — единственный
// источник актуальной цены продажи.
func (r *PostgresRepository) UpsertCatalogItem(ctx context.Context, it *model.CatalogItem) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO catalog_items
		     (kind, provider, provider_id, title, country, service,
		      wholesale, price, min_quantity, max_quantity, active, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, now())
		 ON CONFLICT (provider, provider_id) DO UPDATE SET
		     title = EXCLUDED.title,
		     country = EXCLUDED.country,
		     service = EXCLUDED.service,
		     wholesale = EXCLUDED.wholesale,
		     price = EXCLUDED.price,
		     min_quantity = EXCLUDED.min_quantity,
		     max_quantity = EXCLUDED.max_quantity,
		     active = TRUE,
		     synced_at = now()`,
		string(it.Kind), it.Provider, it.ProviderID, it.Title, it.Country, it.Service,
		it.WholesaleMinor, it.PriceMinor, it.MinQuantity, it.MaxQuantity,
	)
	if err != nil {
		return fmt.Errorf("upsert catalog item: %w", err)
	}
	return nil
}

// GetCountries возвращает список стран, представленных в активном каталоге.
func (r *PostgresRepository) GetCountries(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT country FROM catalog_items WHERE active AND country <> '' ORDER BY country`,
	)
	if err != nil {
		return nil, fmt.Errorf("select countries: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan country: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveDebit атомарно списывает сумму с кошелька и создаёт запись журнала
// в состоянии RESERVED. Баланс перечитывается под блокировкой строки
// пользователя, поэтому параллельные покупки не могут уйти в минус.
func (r *PostgresRepository) ReserveDebit(ctx context.Context, userID, amount int64, reference string) (int64, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var before int64
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&before)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("lock user: %w", err)
	}

	if before < amount {
		return 0, 0, ErrInsufficientBalance
	}

	after := before - amount

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, userID, after); err != nil {
		return 0, 0, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, direction, amount, balance_before, balance_after, status, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, string(model.EntryDirectionDebit), amount, before, after,
		string(model.EntryStatusReserved), reference,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert debit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}

	return before, after, nil
}

// CommitDebit переводит зарезервированное списание в окончательное и
// связывает его с созданным заказом.
func (r *PostgresRepository) CommitDebit(ctx context.Context, reference string, orderID *int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE ledger_entries SET status = $2, order_id = $3 WHERE reference = $1 AND status = $4`,
		reference, string(model.EntryStatusCommitted), orderID, string(model.EntryStatusReserved),
	)
	if err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// CompensateDebit возвращает пользователю ровно списанную сумму: создаёт
// новую кредитовую запись журнала (а не правит исходную) и помечает
// исходное списание как COMPENSATED. Выполняется в одной транзакции.
func (r *PostgresRepository) CompensateDebit(ctx context.Context, reference, compReference string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID, amount int64
	err = tx.QueryRow(ctx,
		`SELECT user_id, amount FROM ledger_entries WHERE reference = $1 AND status = $2 FOR UPDATE`,
		reference, string(model.EntryStatusReserved),
	).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("select debit entry: %w", err)
	}

	var before int64
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&before)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	after := before + amount

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, userID, after); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, direction, amount, balance_before, balance_after, status, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, string(model.EntryDirectionCredit), amount, before, after,
		string(model.EntryStatusCommitted), compReference,
	)
	if err != nil {
		return fmt.Errorf("insert credit entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $2 WHERE reference = $1`,
		reference, string(model.EntryStatusCompensated),
	)
	if err != nil {
		return fmt.Errorf("mark debit compensated: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// MarkDebitManualReview помечает списание для ручной сверки. Используется,
// когда компенсация не удалась и деньги ушли без товара и без возврата.
func (r *PostgresRepository) MarkDebitManualReview(ctx context.Context, reference string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ledger_entries SET status = $2 WHERE reference = $1`,
		reference, string(model.EntryStatusManualReview),
	)
	if err != nil {
		return fmt.Errorf("mark manual review: %w", err)
	}
	return nil
}

// CreditWallet зачисляет сумму на кошелёк с записью в журнале. Используется
// для возвратов при отмене заказа и для реферальных начислений.
func (r *PostgresRepository) CreditWallet(ctx context.Context, userID, amount int64, reference string, orderID *int64) (int64, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var before int64
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&before)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("lock user: %w", err)
	}

	after := before + amount

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, userID, after); err != nil {
		return 0, 0, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, direction, amount, balance_before, balance_after, status, reference, order_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		userID, string(model.EntryDirectionCredit), amount, before, after,
		string(model.EntryStatusCommitted), reference, orderID,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert credit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}

	return before, after, nil
}

// CreateOrder сохраняет заказ и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders
		     (user_id, kind, provider, provider_order_id, item_id, title, price, quantity,
		      status, raw_status, phone_number, sms_text, smdp_address, matching_id, qr_payload,
		      expires_at, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`,
		o.UserID, string(o.Kind), o.Provider, o.ProviderOrderID, o.ItemID, o.Title,
		o.PriceMinor, o.Quantity, string(o.Status), o.RawStatus,
		o.Activation.PhoneNumber, o.Activation.SMSText, o.Activation.SMDPAddress,
		o.Activation.MatchingID, o.Activation.QRPayload, o.ExpiresAt, o.Reference,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

const orderColumns = `id, user_id, kind, provider, provider_order_id, item_id, title, price, quantity,
	status, raw_status, phone_number, sms_text, smdp_address, matching_id, qr_payload,
	expires_at, reference, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Kind, &o.Provider, &o.ProviderOrderID,
		&o.ItemID, &o.Title, &o.PriceMinor, &o.Quantity, &o.Status, &o.RawStatus,
		&o.Activation.PhoneNumber, &o.Activation.SMSText, &o.Activation.SMDPAddress,
		&o.Activation.MatchingID, &o.Activation.QRPayload,
		&o.ExpiresAt, &o.Reference, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatus обновляет внутренний и провайдерский статусы заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, rawStatus string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, raw_status = $3, updated_at = now() WHERE id = $1`,
		orderID, string(status), rawStatus,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// EnrichOrder обновляет статусы заказа и дозаполняет данные активации.
// Уже заполненные поля не перезаписываются (COALESCE по старому значению),
// срок действия только продлевается (GREATEST), поэтому повторная сверка
// без изменений на стороне провайдера не меняет состояние.
func (r *PostgresRepository) EnrichOrder(ctx context.Context, orderID int64, status model.OrderStatus, rawStatus string, act model.Activation, expiresAt *time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET
		     status = $2,
		     raw_status = $3,
		     phone_number = COALESCE(phone_number, $4),
		     sms_text = COALESCE(sms_text, $5),
		     smdp_address = COALESCE(smdp_address, $6),
		     matching_id = COALESCE(matching_id, $7),
		     qr_payload = COALESCE(qr_payload, $8),
		     expires_at = GREATEST(expires_at, $9),
		     updated_at = now()
		 WHERE id = $1`,
		orderID, string(status), rawStatus,
		act.PhoneNumber, act.SMSText, act.SMDPAddress, act.MatchingID, act.QRPayload,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("enrich order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ExtendOrderExpiry продлевает срок действия заказа. Новый срок применяется
// только если он позже текущего: срок никогда не сокращается.
func (r *PostgresRepository) ExtendOrderExpiry(ctx context.Context, orderID int64, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET expires_at = GREATEST(COALESCE(expires_at, $2), $2), updated_at = now() WHERE id = $1`,
		orderID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("extend order expiry: %w", err)
	}
	return nil
}

// CreateSubscription сохраняет подчинённую запись о пополнении заказа.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, s *model.Subscription) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (order_id, item_id, provider_order_id, price, expires_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.OrderID, s.ItemID, s.ProviderOrderID, s.PriceMinor, s.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	return id, nil
}

// CreateCommission создаёт реферальную комиссию и зачисляет её рефереру
// в одной транзакции. Уникальный индекс по ссылке исходной операции
// гарантирует не более одной комиссии на операцию; повторная попытка
// возвращает false без побочных эффектов.
func (r *PostgresRepository) CreateCommission(ctx context.Context, c *model.ReferralCommission, creditReference string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO referral_commissions (referrer_id, referee_id, reference, rate, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (reference) DO NOTHING`,
		c.ReferrerID, c.RefereeID, c.Reference, c.RatePercent, c.AmountMinor,
	)
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return false, nil
	}

	var before int64
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, c.ReferrerID).Scan(&before)
	if err != nil {
		return false, fmt.Errorf("lock referrer: %w", err)
	}

	after := before + c.AmountMinor

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, c.ReferrerID, after); err != nil {
		return false, fmt.Errorf("update referrer balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, direction, amount, balance_before, balance_after, status, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ReferrerID, string(model.EntryDirectionCredit), c.AmountMinor, before, after,
		string(model.EntryStatusCommitted), creditReference,
	)
	if err != nil {
		return false, fmt.Errorf("insert commission entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// CountCommittedPurchases возвращает число окончательных списаний
// пользователя. Используется для выбора ставки комиссии.
func (r *PostgresRepository) CountCommittedPurchases(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND direction = $2 AND status = $3`,
		userID, string(model.EntryDirectionDebit), string(model.EntryStatusCommitted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count purchases: %w", err)
	}
	return n, nil
}

// GetOrdersForReconcile возвращает заказы в нетерминальных статусах,
// ожидающие сверки с провайдером.
func (r *PostgresRepository) GetOrdersForReconcile(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status IN ($1, $2, $3) AND provider_order_id <> ''
		 ORDER BY updated_at
		 LIMIT $4`,
		string(model.OrderStatusPending),
		string(model.OrderStatusProcessing),
		string(model.OrderStatusActive),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for reconcile: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetStaleReservations возвращает зарезервированные списания старше порога.
// Такие записи означают сагу, оборванную до подтверждения или компенсации.
func (r *PostgresRepository) GetStaleReservations(ctx context.Context, olderThan time.Time) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, direction, amount, balance_before, balance_after, status, reference, order_id, created_at
		 FROM ledger_entries
		 WHERE status = $1 AND created_at < $2`,
		string(model.EntryStatusReserved), olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale reservations: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Direction, &e.AmountMinor,
			&e.BalanceBefore, &e.BalanceAfter, &e.Status, &e.Reference, &e.OrderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetLedgerByUser возвращает журнал операций пользователя, новые первыми.
func (r *PostgresRepository) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, direction, amount, balance_before, balance_after, status, reference, order_id, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Direction, &e.AmountMinor,
			&e.BalanceBefore, &e.BalanceAfter, &e.Status, &e.Reference, &e.OrderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
