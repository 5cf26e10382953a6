package service

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/mmeshcher/bookmarket-system/internal/repository"
)

// CartView содержит корзину вместе с позициями и вычисленными суммами.
type CartView struct {
	Cart   model.Cart
	Items  []model.CartItem
	Totals model.Totals
}

// AddItem добавляет товар в активную корзину пользователя, фиксируя снимок
// данных каталога и цену на момент добавления. Повторное добавление того же
// товара отклоняется.
func (s *Service) AddItem(ctx context.Context, userID, productID int64) (*model.CartItem, error) {
	p, err := s.catalog.Resolve(ctx, productID)
	if err != nil {
		return nil, err
	}

	cart, err := s.repo.GetOrCreateActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	variant := model.Variant(p.Variant)
	if variant != model.VariantBook {
		variant = model.VariantProduct
	}

	var discountedKop *int64
	priceAtAdd := toKopecks(p.Price)
	if p.DiscountedPrice != nil {
		v := toKopecks(*p.DiscountedPrice)
		discountedKop = &v
		priceAtAdd = v
	}

	item := model.CartItem{
		CartID:        cart.ID,
		ProductID:     productID,
		Variant:       variant,
		Quantity:      1,
		PriceAtAddKop: priceAtAdd,
		FinalPriceKop: priceAtAdd,
		Snapshot: model.ProductSnapshot{
			Title:              p.Title,
			Thumbnail:          p.Thumbnail,
			SectionNumber:      p.SectionNumber,
			Serial:             p.Serial,
			OriginalPriceKop:   toKopecks(p.Price),
			DiscountedPriceKop: discountedKop,
			PaymentNumber:      p.PaymentNumber,
		},
	}

	id, err := s.repo.AddCartItem(ctx, item)
	if err != nil {
		return nil, err
	}
	item.ID = id

	return &item, nil
}

// RemoveItem удаляет позицию из активной корзины пользователя.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID int64) error {
	cart, err := s.repo.GetActiveCart(ctx, userID)
	if err != nil {
		return err
	}
	return s.repo.RemoveCartItem(ctx, cart.ID, itemID)
}

// ApplyCouponToCart применяет купон к непустой активной корзине.
// Состояние купона проверяется здесь для раннего ответа, но решающая
// проверка выполняется compare-and-set'ом в момент конвертации.
func (s *Service) ApplyCouponToCart(ctx context.Context, userID int64, code string) error {
	cart, err := s.repo.GetActiveCart(ctx, userID)
	if err != nil {
		return err
	}

	items, err := s.repo.GetCartItems(ctx, cart.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrEmptyCart
	}

	if cart.CouponID != nil {
		return repository.ErrCouponAlreadyApplied
	}

	c, err := s.ValidateCoupon(ctx, code)
	if err != nil {
		return err
	}

	return s.repo.ApplyCoupon(ctx, cart.ID, c.ID)
}

// ClearCart опустошает активную корзину пользователя без оформления заказа.
// Для пустой корзины операция ничего не меняет.
func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	cart, err := s.repo.GetActiveCart(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveCart) {
			return nil
		}
		return err
	}
	return s.repo.ClearCart(ctx, cart.ID)
}

// GetCart возвращает активную корзину пользователя с позициями и суммами.
func (s *Service) GetCart(ctx context.Context, userID int64) (*CartView, error) {
	cart, err := s.repo.GetActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}

	var discountKop int64
	if cart.CouponID != nil {
		c, err := s.repo.GetCouponByID(ctx, *cart.CouponID)
		if err != nil {
			return nil, err
		}
		discountKop = c.DiscountKop
	}

	return &CartView{
		Cart:   *cart,
		Items:  items,
		Totals: computeTotals(items, discountKop),
	}, nil
}

// computeTotals вычисляет суммы по корзине. Скидка купона вычитается один
// раз из общей суммы, не распределяясь по позициям; итог не опускается ниже нуля.
func computeTotals(items []model.CartItem, discountKop int64) model.Totals {
	var itemsKop int64
	for _, it := range items {
		itemsKop += it.FinalPriceKop
	}

	payableKop := itemsKop - discountKop
	if payableKop < 0 {
		payableKop = 0
	}

	return model.Totals{
		Items:    float64(itemsKop) / 100,
		Discount: float64(discountKop) / 100,
		Payable:  float64(payableKop) / 100,
	}
}

// Checkout конвертирует активную корзину пользователя в набор покупок.
// Конвертация атомарна: либо создаются все покупки и корзина завершается,
// либо не создаётся ни одной и корзина остаётся активной.
func (s *Service) Checkout(ctx context.Context, principal model.Principal, data model.CheckoutData) ([]model.Purchase, error) {
	cart, err := s.repo.GetActiveCart(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	if err := validateCheckoutData(items, data); err != nil {
		return nil, err
	}

	var discountKop int64
	if cart.CouponID != nil {
		c, err := s.repo.GetCouponByID(ctx, *cart.CouponID)
		if err != nil {
			return nil, err
		}
		if !c.IsActive {
			return nil, repository.ErrCouponAlreadyUsed
		}
		if time.Now().After(c.ExpiresAt) {
			return nil, repository.ErrCouponExpired
		}
		discountKop = c.DiscountKop
	}

	purchases := make([]model.Purchase, 0, len(items))
	for _, it := range items {
		p, err := buildPurchase(principal, it, data)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}

	return s.repo.ConvertCart(ctx, cart.ID, principal.UserID, purchases, cart.CouponID, discountKop)
}
