// Package service реализует бизнес-логику сервиса букмаркет.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mmeshcher/bookmarket-system/internal/catalog"
	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/mmeshcher/bookmarket-system/internal/repository"
)

// ErrEmptyCart возвращается при операции, требующей непустой корзины.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrPermissionDenied возвращается при вызове привилегированной операции без нужной роли.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetOrCreateActiveCart(ctx context.Context, userID int64) (*model.Cart, error)
	GetActiveCart(ctx context.Context, userID int64) (*model.Cart, error)
	AddCartItem(ctx context.Context, item model.CartItem) (int64, error)
	RemoveCartItem(ctx context.Context, cartID, itemID int64) error
	GetCartItems(ctx context.Context, cartID int64) ([]model.CartItem, error)
	ClearCart(ctx context.Context, cartID int64) error
	ApplyCoupon(ctx context.Context, cartID, couponID int64) error
	CreateCoupon(ctx context.Context, c model.Coupon) (int64, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	GetCouponByID(ctx context.Context, id int64) (*model.Coupon, error)
	ConvertCart(ctx context.Context, cartID, userID int64, purchases []model.Purchase, couponID *int64, discountKop int64) ([]model.Purchase, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error)
	ConfirmPurchase(ctx context.Context, purchaseID, confirmedBy int64) error
}

// Catalog описывает контракт чтения данных каталога.
type Catalog interface {
	Resolve(ctx context.Context, productID int64) (*catalog.Product, error)
}

// Service содержит бизнес-логику сервиса букмаркет.
type Service struct {
	repo    Repository
	catalog Catalog
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом каталога.
func NewService(repo Repository, cat Catalog) *Service {
	return &Service{
		repo:    repo,
		catalog: cat,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Фрагмент последовательности
// для серийных номеров назначается хранилищем при создании аккаунта.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его данные.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetPrincipal возвращает действующего пользователя по идентификатору.
func (s *Service) GetPrincipal(ctx context.Context, userID int64) (*model.Principal, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Principal{
		UserID:           u.ID,
		SequenceFragment: u.SequenceFragment,
		Role:             u.Role,
	}, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func toKopecks(rub float64) int64 {
	return int64(rub * 100)
}
