package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale - минимальная единица учета: 4 знака после запятой
const Scale = 4

// TokensPerPriceUnit - цена листинга указывается за 1M токенов
const TokensPerPriceUnit = 1_000_000

// Round приводит сумму к минимальной единице учета.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Счета и журнал операций

type Account struct {
	ID             string          `json:"account_id"`
	Balance        decimal.Decimal `json:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalConsumed  decimal.Decimal `json:"total_consumed"`
	Unlimited      bool            `json:"unlimited"`
	Seq            int64           `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Seq           int64           `json:"seq"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Пул ресурсов

type ResourceStatus string

const (
	ResourceStatusActive    ResourceStatus = "active"
	ResourceStatusDepleted  ResourceStatus = "depleted"
	ResourceStatusSuspended ResourceStatus = "suspended"
)

type DepositStatus string

const (
	DepositStatusPending  DepositStatus = "pending"
	DepositStatusApproved DepositStatus = "approved"
	DepositStatusRejected DepositStatus = "rejected"
)

type QuotaUnit string

const (
	UnitCredits QuotaUnit = "credits"
	UnitUSD     QuotaUnit = "usd"
	UnitTokens  QuotaUnit = "tokens"
)

type ResourceDeposit struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"owner_id"`
	Provider            string          `json:"provider"`
	ModelFamily         string          `json:"model_family"`
	EncryptedCredential string          `json:"-"`
	Endpoint            string          `json:"endpoint,omitempty"`
	Unit                QuotaUnit       `json:"unit"`
	OriginalQuota       decimal.Decimal `json:"original_quota"`
	CurrentQuota        decimal.Decimal `json:"current_quota"`
	Status              ResourceStatus  `json:"status"`
	DepositStatus       DepositStatus   `json:"deposit_status"`
	CreditValue         decimal.Decimal `json:"credit_value"`
	PlatformFee         decimal.Decimal `json:"platform_fee"`
	ReleasedCredits     decimal.Decimal `json:"released_credits"`
	PendingCredits      decimal.Decimal `json:"pending_credits"`
	TotalRequests       int64           `json:"total_requests"`
	FailedRequests      int64           `json:"failed_requests"`
	ConsecutiveFailures int             `json:"-"`
	TotalConsumed       decimal.Decimal `json:"total_consumed"`
	ReferenceID         string          `json:"reference_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Маркетплейс

type ListingStatus string

const (
	ListingStatusActive     ListingStatus = "active"
	ListingStatusPaused     ListingStatus = "paused"
	ListingStatusOutOfStock ListingStatus = "out_of_stock"
	ListingStatusDeleted    ListingStatus = "deleted"
)

type Listing struct {
	ID             string          `json:"id"`
	SellerID       string          `json:"seller_id"`
	ResourceID     string          `json:"resource_id,omitempty"`
	ModelID        string          `json:"model_id"`
	Title          string          `json:"title"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	TotalQuota     decimal.Decimal `json:"total_quota"`
	AvailableQuota decimal.Decimal `json:"available_quota"`
	MinPurchase    decimal.Decimal `json:"min_purchase"`
	Status         ListingStatus   `json:"status"`
	TotalSales     decimal.Decimal `json:"total_sales"`
	TotalOrders    int64           `json:"total_orders"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusPending   PurchaseOrderStatus = "pending"
	PurchaseOrderStatusCompleted PurchaseOrderStatus = "completed"
	PurchaseOrderStatusFailed    PurchaseOrderStatus = "failed"
)

type PurchaseOrder struct {
	ID             string              `json:"id"`
	BuyerID        string              `json:"buyer_id"`
	SellerID       string              `json:"seller_id"`
	ListingID      string              `json:"listing_id"`
	ResourceID     string              `json:"resource_id,omitempty"`
	CreditsAmount  decimal.Decimal     `json:"credits_amount"`
	PricePerUnit   decimal.Decimal     `json:"price_per_unit"`
	UnitsGranted   int64               `json:"units_granted"`
	UnitsUsed      int64               `json:"units_used"`
	UnitsRemaining int64               `json:"units_remaining"`
	SellerRevenue  decimal.Decimal     `json:"seller_revenue"`
	PlatformFee    decimal.Decimal     `json:"platform_fee"`
	Status         PurchaseOrderStatus `json:"status"`
	ReferenceID    string              `json:"reference_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    time.Time           `json:"completed_at"`
}

// TokenValue prices tokens at a per-1M listing price.
func TokenValue(tokens int64, pricePerUnit decimal.Decimal) decimal.Decimal {
	return Round(decimal.NewFromInt(tokens).Mul(pricePerUnit).Div(decimal.NewFromInt(TokensPerPriceUnit)))
}

// RemainingValue is what the unused tokens of an order still draw from its resource.
func (o PurchaseOrder) RemainingValue() decimal.Decimal {
	return TokenValue(o.UnitsRemaining, o.PricePerUnit)
}

// Тарифы и резервы

type ModelTier string

const (
	TierMicro     ModelTier = "micro"
	TierSmall     ModelTier = "small"
	TierMedium    ModelTier = "medium"
	TierLarge     ModelTier = "large"
	TierVision    ModelTier = "vision"
	TierAudio     ModelTier = "audio"
	TierImage     ModelTier = "image"
	TierEmbedding ModelTier = "embedding"
)

type ModelPricing struct {
	ModelID         string          `json:"model_id"`
	ModelName       string          `json:"model_name"`
	Tier            ModelTier       `json:"tier"`
	InputRate       decimal.Decimal `json:"input_rate"`
	OutputRate      decimal.Decimal `json:"output_rate"`
	VisionSurcharge decimal.Decimal `json:"vision_surcharge"`
	Active          bool            `json:"active"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationStatusHeld     ReservationStatus = "held"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusReleased ReservationStatus = "released"
)

type Reservation struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	ModelID     string            `json:"model_id"`
	Estimated   decimal.Decimal   `json:"estimated"`
	Actual      decimal.Decimal   `json:"actual"`
	Status      ReservationStatus `json:"status"`
	ReferenceID string            `json:"reference_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	SettledAt   time.Time         `json:"settled_at"`
}
