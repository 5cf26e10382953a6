// Package handler содержит HTTP-обработчики API сервиса букмаркет.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookmarket-system/internal/catalog"
	"github.com/mmeshcher/bookmarket-system/internal/middleware"
	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/mmeshcher/bookmarket-system/internal/repository"
	"github.com/mmeshcher/bookmarket-system/internal/service"
	"github.com/mmeshcher/bookmarket-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	GetPrincipal(ctx context.Context, userID int64) (*model.Principal, error)
	AddItem(ctx context.Context, userID, productID int64) (*model.CartItem, error)
	RemoveItem(ctx context.Context, userID, itemID int64) error
	ApplyCouponToCart(ctx context.Context, userID int64, code string) error
	ClearCart(ctx context.Context, userID int64) error
	GetCart(ctx context.Context, userID int64) (*service.CartView, error)
	Checkout(ctx context.Context, principal model.Principal, data model.CheckoutData) ([]model.Purchase, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error)
	ConfirmPurchase(ctx context.Context, admin model.Principal, purchaseID int64) error
	CreateCoupon(ctx context.Context, admin model.Principal, code string, discount float64, expiresAt time.Time) (*model.Coupon, error)
}

// Handler реализует HTTP-обработчики API сервиса букмаркет.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, model.RoleCustomer)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	w.WriteHeader(http.StatusOK)
}

type cartItemResponse struct {
	ID            int64   `json:"id"`
	ProductID     int64   `json:"product_id"`
	Variant       string  `json:"variant"`
	Quantity      int32   `json:"quantity"`
	Title         string  `json:"title"`
	Thumbnail     string  `json:"thumbnail,omitempty"`
	PriceAtAdd    float64 `json:"price_at_add"`
	FinalPrice    float64 `json:"final_price"`
	SectionNumber int64   `json:"section_number"`
	ProductSerial string  `json:"product_serial"`
	AddedAt       string  `json:"added_at"`
}

type cartResponse struct {
	Items  []cartItemResponse `json:"items"`
	Totals model.Totals       `json:"totals"`
}

func toCartItemResponse(it model.CartItem) cartItemResponse {
	return cartItemResponse{
		ID:            it.ID,
		ProductID:     it.ProductID,
		Variant:       string(it.Variant),
		Quantity:      it.Quantity,
		Title:         it.Snapshot.Title,
		Thumbnail:     it.Snapshot.Thumbnail,
		PriceAtAdd:    float64(it.PriceAtAddKop) / 100,
		FinalPrice:    float64(it.FinalPriceKop) / 100,
		SectionNumber: it.Snapshot.SectionNumber,
		ProductSerial: it.Snapshot.Serial,
		AddedAt:       it.AddedAt.Format(time.RFC3339),
	}
}

// GetCart возвращает активную корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	view, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveCart) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := cartResponse{
		Items:  make([]cartItemResponse, 0, len(view.Items)),
		Totals: view.Totals,
	}
	for _, it := range view.Items {
		resp.Items = append(resp.Items, toCartItemResponse(it))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type addItemRequest struct {
	ProductID int64 `json:"product_id"`
}

// AddItem добавляет товар в корзину текущего пользователя.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.AddItem(r.Context(), userID, req.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrDuplicateItem):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("add item error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("productID", req.ProductID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toCartItemResponse(*item)); err != nil {
		h.logger.Error("encode add item response", zap.Error(err))
	}
}

// RemoveItem удаляет позицию из корзины текущего пользователя.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveItem(r.Context(), userID, itemID); err != nil {
		if errors.Is(err, repository.ErrNoActiveCart) || errors.Is(err, repository.ErrItemNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("remove item error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("itemID", itemID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type applyCouponRequest struct {
	Code string `json:"code"`
}

// ApplyCoupon применяет купон к корзине текущего пользователя.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req applyCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ApplyCouponToCart(r.Context(), userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCouponNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrCouponExpired):
			http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
		case errors.Is(err, repository.ErrNoActiveCart), errors.Is(err, service.ErrEmptyCart),
			errors.Is(err, repository.ErrCouponAlreadyUsed), errors.Is(err, repository.ErrCouponAlreadyApplied):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("apply coupon error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClearCart опустошает корзину текущего пользователя.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ClearCart(r.Context(), userID); err != nil {
		h.logger.Error("clear cart error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	TransferAccount string            `json:"transfer_account"`
	PaymentProof    string            `json:"payment_proof"`
	Book            *model.BookFields `json:"book,omitempty"`
}

type purchaseResponse struct {
	ID              int64             `json:"id"`
	Variant         string            `json:"variant"`
	ProductID       int64             `json:"product_id"`
	ProductTitle    string            `json:"product_title"`
	Price           float64           `json:"price"`
	TransferAccount string            `json:"transfer_account"`
	PaymentProof    string            `json:"payment_proof"`
	Serial          string            `json:"serial"`
	Confirmed       bool              `json:"confirmed"`
	Book            *model.BookFields `json:"book,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

func toPurchaseResponse(p model.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:              p.ID,
		Variant:         string(p.Variant),
		ProductID:       p.ProductID,
		ProductTitle:    p.ProductTitle,
		Price:           float64(p.PriceKop) / 100,
		TransferAccount: p.TransferAccount,
		PaymentProof:    p.PaymentProof,
		Serial:          p.Serial,
		Confirmed:       p.Confirmed,
		Book:            p.Book,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

// Checkout оформляет заказ: конвертирует корзину текущего пользователя в покупки.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidTransferAccount(req.TransferAccount) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	principal, err := h.service.GetPrincipal(r.Context(), userID)
	if err != nil {
		h.logger.Error("get principal error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	data := model.CheckoutData{
		TransferAccount: req.TransferAccount,
		PaymentProof:    req.PaymentProof,
		Book:            req.Book,
	}

	purchases, err := h.service.Checkout(r.Context(), *principal, data)
	if err != nil {
		var validationErr *service.ValidationError
		switch {
		case errors.As(err, &validationErr):
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrNoActiveCart), errors.Is(err, service.ErrEmptyCart),
			errors.Is(err, repository.ErrAlreadyConverted),
			errors.Is(err, repository.ErrCouponAlreadyUsed), errors.Is(err, repository.ErrCouponExpired):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrDuplicateSerial):
			// Транзиентная коллизия: вся конвертация откачена, повтор безопасен.
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, toPurchaseResponse(p))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetPurchases возвращает покупки текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.GetPurchasesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, toPurchaseResponse(p))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type createCouponRequest struct {
	Code      string  `json:"code,omitempty"`
	Discount  float64 `json:"discount"`
	ExpiresAt string  `json:"expires_at"`
}

type couponResponse struct {
	ID        int64   `json:"id"`
	Code      string  `json:"code"`
	Discount  float64 `json:"discount"`
	ExpiresAt string  `json:"expires_at"`
	IsActive  bool    `json:"is_active"`
}

// CreateCoupon создаёт новый купон от имени администратора.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Discount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	principal, err := h.service.GetPrincipal(r.Context(), userID)
	if err != nil {
		h.logger.Error("get principal error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	coupon, err := h.service.CreateCoupon(r.Context(), *principal, req.Code, req.Discount, expiresAt)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrCouponCodeTaken):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create coupon error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := couponResponse{
		ID:        coupon.ID,
		Code:      coupon.Code,
		Discount:  float64(coupon.DiscountKop) / 100,
		ExpiresAt: coupon.ExpiresAt.Format(time.RFC3339),
		IsActive:  coupon.IsActive,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode coupon response", zap.Error(err))
	}
}

// ConfirmPurchase подтверждает покупку от имени администратора.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchaseID, err := strconv.ParseInt(chi.URLParam(r, "purchaseID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	principal, err := h.service.GetPrincipal(r.Context(), userID)
	if err != nil {
		h.logger.Error("get principal error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.service.ConfirmPurchase(r.Context(), *principal, purchaseID); err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrPurchaseNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrAlreadyConfirmed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("confirm purchase error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
