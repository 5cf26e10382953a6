// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoActiveCart возвращается, если у пользователя нет активной корзины.
	ErrNoActiveCart = errors.New("no active cart")
	// ErrDuplicateItem возвращается при повторном добавлении товара в ту же корзину.
	ErrDuplicateItem = errors.New("product already in cart")
	// ErrItemNotFound возвращается, если позиция не найдена в корзине.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrCouponNotFound возвращается, если купон не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponCodeTaken возвращается, если сгенерированный код купона уже занят.
	ErrCouponCodeTaken = errors.New("coupon code already taken")
	// ErrCouponAlreadyUsed возвращается при попытке повторного погашения купона.
	ErrCouponAlreadyUsed = errors.New("coupon already used")
	// ErrCouponExpired возвращается, если срок действия купона истёк.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponAlreadyApplied возвращается, если к корзине уже применён купон.
	ErrCouponAlreadyApplied = errors.New("coupon already applied to cart")
	// ErrAlreadyConverted возвращается, если корзина уже сконвертирована в покупки.
	ErrAlreadyConverted = errors.New("cart already converted")
	// ErrDuplicateSerial возвращается при коллизии серийного номера покупки.
	ErrDuplicateSerial = errors.New("duplicate purchase serial")
	// ErrPurchaseNotFound возвращается, если покупка не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrAlreadyConfirmed возвращается при повторном подтверждении покупки.
	ErrAlreadyConfirmed = errors.New("purchase already confirmed")
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только сериализационные сбои и дедлоки: транзакция
		// конвертации атомарна, повтор безопасен.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя. Фрагмент последовательности для
// серийных номеров назначается базой при вставке и больше не меняется.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
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
		`SELECT id, login, password_hash, sequence_fragment, role, created_at FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, sequence_fragment, role, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.SequenceFragment, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetOrCreateActiveCart возвращает активную корзину пользователя, создавая её
// при необходимости. Частичный уникальный индекс гарантирует не более одной
// активной корзины; проигравшая параллельная вставка получает уже созданную.
func (r *PostgresRepository) GetOrCreateActiveCart(ctx context.Context, userID int64) (*model.Cart, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO carts (user_id, status) VALUES ($1, $2)
		 ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING`,
		userID, string(model.CartStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}

	return r.GetActiveCart(ctx, userID)
}

// GetActiveCart возвращает активную корзину пользователя.
func (r *PostgresRepository) GetActiveCart(ctx context.Context, userID int64) (*model.Cart, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status, coupon_id, discount_kop, created_at, completed_at
		 FROM carts
		 WHERE user_id = $1 AND status = $2`,
		userID, string(model.CartStatusActive),
	)

	var c model.Cart
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.CouponID, &c.DiscountKop, &c.CreatedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveCart
		}
		return nil, fmt.Errorf("get active cart: %w", err)
	}

	return &c, nil
}

// AddCartItem сохраняет позицию корзины со снимком товара.
func (r *PostgresRepository) AddCartItem(ctx context.Context, item model.CartItem) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cart_items
		     (cart_id, product_id, variant, quantity, price_at_add_kop, final_price_kop,
		      title, thumbnail, section_number, product_serial, original_price_kop,
		      discounted_price_kop, payment_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		item.CartID, item.ProductID, string(item.Variant), item.Quantity,
		item.PriceAtAddKop, item.FinalPriceKop,
		item.Snapshot.Title, item.Snapshot.Thumbnail, item.Snapshot.SectionNumber,
		item.Snapshot.Serial, item.Snapshot.OriginalPriceKop,
		item.Snapshot.DiscountedPriceKop, item.Snapshot.PaymentNumber,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: product %d", ErrDuplicateItem, item.ProductID)
		}
		return 0, fmt.Errorf("insert cart item: %w", err)
	}
	return id, nil
}

// RemoveCartItem удаляет позицию из указанной корзины.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, cartID, itemID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`,
		itemID, cartID,
	)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// GetCartItems возвращает позиции корзины в порядке добавления.
func (r *PostgresRepository) GetCartItems(ctx context.Context, cartID int64) ([]model.CartItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, cart_id, product_id, variant, quantity, price_at_add_kop, final_price_kop,
		        title, thumbnail, section_number, product_serial, original_price_kop,
		        discounted_price_kop, payment_number, added_at
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var (
			it      model.CartItem
			variant string
		)
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &variant, &it.Quantity,
			&it.PriceAtAddKop, &it.FinalPriceKop,
			&it.Snapshot.Title, &it.Snapshot.Thumbnail, &it.Snapshot.SectionNumber,
			&it.Snapshot.Serial, &it.Snapshot.OriginalPriceKop,
			&it.Snapshot.DiscountedPriceKop, &it.Snapshot.PaymentNumber, &it.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		it.Variant = model.Variant(variant)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ClearCart удаляет все позиции корзины и снимает применённый купон.
// Корзина остаётся активной.
func (r *PostgresRepository) ClearCart(ctx context.Context, cartID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("delete cart items: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE carts SET coupon_id = NULL WHERE id = $1`,
		cartID,
	); err != nil {
		return fmt.Errorf("reset cart coupon: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ApplyCoupon привязывает купон к активной корзине. Одна корзина может
// нести не более одного купона; повторное применение отклоняется.
func (r *PostgresRepository) ApplyCoupon(ctx context.Context, cartID, couponID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE carts
		 SET coupon_id = $2
		 WHERE id = $1 AND status = $3 AND coupon_id IS NULL`,
		cartID, couponID, string(model.CartStatusActive),
	)
	if err != nil {
		return fmt.Errorf("apply coupon: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponAlreadyApplied
	}
	return nil
}

// CreateCoupon сохраняет новый купон. Занятый код сигнализируется
// отдельной ошибкой, чтобы генератор мог повторить попытку с новым кодом.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, c model.Coupon) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (code, discount_kop, expires_at, created_by)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		c.Code, c.DiscountKop, c.ExpiresAt, c.CreatedBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrCouponCodeTaken, c.Code)
		}
		return 0, fmt.Errorf("insert coupon: %w", err)
	}
	return id, nil
}

// GetCouponByCode возвращает купон по коду.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, discount_kop, expires_at, is_active, created_by, used_by, used_at, purchase_id, created_at
		 FROM coupons WHERE code = $1`,
		code,
	)
	return scanCoupon(row)
}

// GetCouponByID возвращает купон по идентификатору.
func (r *PostgresRepository) GetCouponByID(ctx context.Context, id int64) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, discount_kop, expires_at, is_active, created_by, used_by, used_at, purchase_id, created_at
		 FROM coupons WHERE id = $1`,
		id,
	)
	return scanCoupon(row)
}

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var c model.Coupon
	err := row.Scan(&c.ID, &c.Code, &c.DiscountKop, &c.ExpiresAt, &c.IsActive,
		&c.CreatedBy, &c.UsedBy, &c.UsedAt, &c.PurchaseID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

// markCouponUsedTx атомарно гасит купон внутри транзакции конвертации.
// Одиночный compare-and-set: купон должен быть активен и не просрочен
// в момент обновления; из двух одновременных погашений выигрывает одно.
func markCouponUsedTx(ctx context.Context, tx pgx.Tx, couponID, userID, purchaseID int64) error {
	cmdTag, err := tx.Exec(ctx,
		`UPDATE coupons
		 SET is_active = false, used_by = $2, used_at = now(), purchase_id = $3
		 WHERE id = $1 AND is_active = true AND expires_at > now()`,
		couponID, userID, purchaseID,
	)
	if err != nil {
		return fmt.Errorf("mark coupon used: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var isActive bool
	var expiresAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT is_active, expires_at FROM coupons WHERE id = $1`,
		couponID,
	).Scan(&isActive, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCouponNotFound
		}
		return fmt.Errorf("select coupon state: %w", err)
	}

	if !isActive {
		return ErrCouponAlreadyUsed
	}
	return ErrCouponExpired
}

// ConvertCart атомарно превращает корзину в набор покупок: переводит корзину
// в завершённое состояние, записывает по одной покупке на позицию, гасит
// применённый купон и удаляет позиции. Любая ошибка откатывает всё целиком.
func (r *PostgresRepository) ConvertCart(ctx context.Context, cartID, userID int64, purchases []model.Purchase, couponID *int64, discountKop int64) ([]model.Purchase, error) {
	var created []model.Purchase
	err := r.withRetry(ctx, func() error {
		var convErr error
		created, convErr = r.convertCartOnce(ctx, cartID, userID, purchases, couponID, discountKop)
		return convErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) convertCartOnce(ctx context.Context, cartID, userID int64, purchases []model.Purchase, couponID *int64, discountKop int64) ([]model.Purchase, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Сторожевой перевод состояния: корзина выходит из active до первой
	// записи покупки. Проигравший параллельный чекаут получает ноль строк.
	cmdTag, err := tx.Exec(ctx,
		`UPDATE carts
		 SET status = $2, discount_kop = $3, completed_at = now()
		 WHERE id = $1 AND status = $4`,
		cartID, string(model.CartStatusCompleted), discountKop, string(model.CartStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("complete cart: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrAlreadyConverted
	}

	created := make([]model.Purchase, 0, len(purchases))
	for i, p := range purchases {
		var bookRecipient, bookNumber, bookSeries *string
		if p.Book != nil {
			bookRecipient = &p.Book.RecipientName
			bookNumber = &p.Book.NumberOnBook
			bookSeries = &p.Book.SeriesName
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO purchases
			     (variant, user_id, product_id, product_title, price_kop, transfer_account,
			      payment_proof, serial, book_recipient, book_number, book_series)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id, created_at`,
			string(p.Variant), p.UserID, p.ProductID, p.ProductTitle, p.PriceKop,
			p.TransferAccount, p.PaymentProof, p.Serial, bookRecipient, bookNumber, bookSeries,
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return nil, fmt.Errorf("item %d of %d: %w: %s", i+1, len(purchases), ErrDuplicateSerial, p.Serial)
			}
			return nil, fmt.Errorf("insert purchase: %w", err)
		}

		created = append(created, p)
	}

	if couponID != nil {
		if err := markCouponUsedTx(ctx, tx, *couponID, userID, created[0].ID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return nil, fmt.Errorf("delete cart items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return created, nil
}

// GetPurchasesByUser возвращает покупки пользователя, новые первыми.
func (r *PostgresRepository) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, variant, user_id, product_id, product_title, price_kop, transfer_account,
		        payment_proof, serial, confirmed, confirmed_by, book_recipient, book_number,
		        book_series, created_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var p model.Purchase
		var variant string
		var bookRecipient, bookNumber, bookSeries *string
		if err := rows.Scan(&p.ID, &variant, &p.UserID, &p.ProductID, &p.ProductTitle,
			&p.PriceKop, &p.TransferAccount, &p.PaymentProof, &p.Serial, &p.Confirmed,
			&p.ConfirmedBy, &bookRecipient, &bookNumber, &bookSeries, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}

		p.Variant = model.Variant(variant)
		if p.Variant == model.VariantBook && bookRecipient != nil && bookNumber != nil && bookSeries != nil {
			p.Book = &model.BookFields{
				RecipientName: *bookRecipient,
				NumberOnBook:  *bookNumber,
				SeriesName:    *bookSeries,
			}
		}

		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ConfirmPurchase подтверждает покупку. Подтверждение однократное:
// compare-and-set по флагу confirmed.
func (r *PostgresRepository) ConfirmPurchase(ctx context.Context, purchaseID, confirmedBy int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE purchases
		 SET confirmed = true, confirmed_by = $2
		 WHERE id = $1 AND confirmed = false`,
		purchaseID, confirmedBy,
	)
	if err != nil {
		return fmt.Errorf("confirm purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var confirmed bool
	err = r.pool.QueryRow(ctx,
		`SELECT confirmed FROM purchases WHERE id = $1`,
		purchaseID,
	).Scan(&confirmed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPurchaseNotFound
		}
		return fmt.Errorf("select purchase state: %w", err)
	}

	if confirmed {
		return ErrAlreadyConfirmed
	}
	return ErrPurchaseNotFound
}
