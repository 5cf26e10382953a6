// Package model содержит доменные сущности сервиса букмаркет.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID               int64
	Login            string
	PasswordHash     []byte
	SequenceFragment string
	Role             Role
	CreatedAt        time.Time
}

// Principal описывает действующего пользователя запроса.
// SequenceFragment назначается один раз при создании аккаунта
// и используется при составлении серийного номера покупки.
type Principal struct {
	UserID           int64
	SequenceFragment string
	Role             Role
}

// CartStatus описывает состояние корзины.
type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusCompleted CartStatus = "completed"
)

// Variant определяет вид позиции корзины и создаваемой из неё покупки.
type Variant string

const (
	VariantProduct Variant = "product"
	VariantBook    Variant = "book"
)

// Cart представляет корзину пользователя. У пользователя может быть
// не более одной активной корзины; завершённые корзины хранятся для аудита.
type Cart struct {
	ID          int64
	UserID      int64
	Status      CartStatus
	CouponID    *int64
	DiscountKop int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ProductSnapshot содержит копию данных каталога, зафиксированную
// в момент добавления товара в корзину. Последующие изменения каталога
// на снимок не влияют.
type ProductSnapshot struct {
	Title              string
	Thumbnail          string
	SectionNumber      int64
	Serial             string
	OriginalPriceKop   int64
	DiscountedPriceKop *int64
	PaymentNumber      string
}

// CartItem представляет позицию корзины с зафиксированной ценой и снимком товара.
type CartItem struct {
	ID            int64
	CartID        int64
	ProductID     int64
	Variant       Variant
	Quantity      int32
	PriceAtAddKop int64
	FinalPriceKop int64
	Snapshot      ProductSnapshot
	AddedAt       time.Time
}

// Totals содержит суммы по корзине в рублях.
type Totals struct {
	Items    float64 `json:"items"`
	Discount float64 `json:"discount"`
	Payable  float64 `json:"payable"`
}

// Coupon описывает одноразовый купон с фиксированной скидкой.
type Coupon struct {
	ID          int64
	Code        string
	DiscountKop int64
	ExpiresAt   time.Time
	IsActive    bool
	CreatedBy   int64
	UsedBy      *int64
	UsedAt      *time.Time
	PurchaseID  *int64
	CreatedAt   time.Time
}

// BookFields содержит обязательные данные книжной покупки.
type BookFields struct {
	RecipientName string `json:"recipient_name"`
	NumberOnBook  string `json:"number_on_book"`
	SeriesName    string `json:"series_name"`
}

// Purchase представляет неизменяемую запись о покупке, созданную
// при конвертации корзины. Поле Confirmed меняется только отдельной
// операцией подтверждения.
type Purchase struct {
	ID              int64
	Variant         Variant
	UserID          int64
	ProductID       int64
	ProductTitle    string
	PriceKop        int64
	TransferAccount string
	PaymentProof    string
	Serial          string
	Confirmed       bool
	ConfirmedBy     *int64
	Book            *BookFields
	CreatedAt       time.Time
}

// CheckoutData содержит данные, передаваемые пользователем при оформлении заказа.
type CheckoutData struct {
	TransferAccount string
	PaymentProof    string
	Book            *BookFields
}
