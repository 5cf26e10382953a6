package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmeshcher/bookmarket-system/internal/model"
)

// ValidationError перечисляет недостающие поля оформления заказа.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// RequiredCheckoutFields возвращает список обязательных полей оформления
// для указанного состава корзины. Счёт отправителя и подтверждение оплаты
// требуются всегда, книжные поля — при наличии хотя бы одной книжной позиции.
func RequiredCheckoutFields(items []model.CartItem) []string {
	fields := []string{"transfer_account", "payment_proof"}
	for _, it := range items {
		if it.Variant == model.VariantBook {
			fields = append(fields, "book.recipient_name", "book.number_on_book", "book.series_name")
			break
		}
	}
	return fields
}

func validateCheckoutData(items []model.CartItem, data model.CheckoutData) error {
	var missing []string

	if data.TransferAccount == "" {
		missing = append(missing, "transfer_account")
	}
	if data.PaymentProof == "" {
		missing = append(missing, "payment_proof")
	}

	needsBook := false
	for _, it := range items {
		if it.Variant == model.VariantBook {
			needsBook = true
			break
		}
	}
	if needsBook {
		if data.Book == nil {
			missing = append(missing, "book.recipient_name", "book.number_on_book", "book.series_name")
		} else {
			if data.Book.RecipientName == "" {
				missing = append(missing, "book.recipient_name")
			}
			if data.Book.NumberOnBook == "" {
				missing = append(missing, "book.number_on_book")
			}
			if data.Book.SeriesName == "" {
				missing = append(missing, "book.series_name")
			}
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// buildPurchase собирает запись покупки из позиции корзины. Все данные
// берутся из снимка позиции и неизменяемого фрагмента пользователя,
// без повторного чтения каталога.
func buildPurchase(principal model.Principal, item model.CartItem, data model.CheckoutData) (model.Purchase, error) {
	p := model.Purchase{
		Variant:         item.Variant,
		UserID:          principal.UserID,
		ProductID:       item.ProductID,
		ProductTitle:    item.Snapshot.Title,
		PriceKop:        item.PriceAtAddKop,
		TransferAccount: data.TransferAccount,
		PaymentProof:    data.PaymentProof,
		Serial:          composeSerial(principal.SequenceFragment, item.Snapshot.SectionNumber, item.Snapshot.Serial),
	}

	if item.Variant == model.VariantBook {
		if data.Book == nil || data.Book.RecipientName == "" || data.Book.NumberOnBook == "" || data.Book.SeriesName == "" {
			return model.Purchase{}, &ValidationError{
				Missing: []string{"book.recipient_name", "book.number_on_book", "book.series_name"},
			}
		}
		book := *data.Book
		p.Book = &book
	}

	return p, nil
}

func composeSerial(fragment string, sectionNumber int64, productSerial string) string {
	return fmt.Sprintf("%s-%d-%s", fragment, sectionNumber, productSerial)
}

// GetPurchasesByUser возвращает покупки пользователя.
func (s *Service) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.repo.GetPurchasesByUser(ctx, userID)
}

// ConfirmPurchase подтверждает покупку от имени привилегированного пользователя.
func (s *Service) ConfirmPurchase(ctx context.Context, admin model.Principal, purchaseID int64) error {
	if admin.Role != model.RoleAdmin {
		return ErrPermissionDenied
	}
	return s.repo.ConfirmPurchase(ctx, purchaseID, admin.UserID)
}
