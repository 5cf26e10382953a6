package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/mmeshcher/bookmarket-system/internal/repository"
	"github.com/sethvargo/go-retry"
)

// Алфавит кодов купонов без визуально похожих символов.
const couponCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const couponCodeLength = 10

// CreateCoupon создаёт новый купон от имени привилегированного пользователя.
// Пустой код генерируется заново: код резервируется вставкой под уникальным
// ограничением, занятый код приводит к повтору с новым кодом. Счётчики в
// памяти не используются, корректность сохраняется при нескольких
// одновременно работающих экземплярах сервиса.
func (s *Service) CreateCoupon(ctx context.Context, admin model.Principal, code string, discount float64, expiresAt time.Time) (*model.Coupon, error) {
	if admin.Role != model.RoleAdmin {
		return nil, ErrPermissionDenied
	}

	discountKop := toKopecks(discount)
	if discountKop <= 0 {
		return nil, fmt.Errorf("coupon discount must be positive")
	}

	c := model.Coupon{
		Code:        code,
		DiscountKop: discountKop,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		CreatedBy:   admin.UserID,
	}

	if c.Code != "" {
		id, err := s.repo.CreateCoupon(ctx, c)
		if err != nil {
			return nil, err
		}
		c.ID = id
		return &c, nil
	}

	backoff := retry.WithMaxRetries(5, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		generated, err := newCouponCode()
		if err != nil {
			return err
		}

		id, err := s.repo.CreateCoupon(ctx, model.Coupon{
			Code:        generated,
			DiscountKop: c.DiscountKop,
			ExpiresAt:   c.ExpiresAt,
			IsActive:    true,
			CreatedBy:   c.CreatedBy,
		})
		if err != nil {
			if errors.Is(err, repository.ErrCouponCodeTaken) {
				return retry.RetryableError(err)
			}
			return err
		}

		c.ID = id
		c.Code = generated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generate coupon code: %w", err)
	}

	return &c, nil
}

// ValidateCoupon проверяет купон без побочных эффектов и возвращает его,
// если купон существует, активен и не просрочен.
func (s *Service) ValidateCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := s.repo.GetCouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if !c.IsActive {
		return nil, repository.ErrCouponAlreadyUsed
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, repository.ErrCouponExpired
	}

	return c, nil
}

func newCouponCode() (string, error) {
	buf := make([]byte, couponCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	code := make([]byte, couponCodeLength)
	for i, b := range buf {
		code[i] = couponCodeAlphabet[int(b)%len(couponCodeAlphabet)]
	}

	return string(code), nil
}
