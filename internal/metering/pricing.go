package metering

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
)

// Наценка по классу модели
var tierMultipliers = map[model.ModelTier]decimal.Decimal{
	model.TierMicro:     decimal.RequireFromString("1.8"),
	model.TierSmall:     decimal.RequireFromString("1.6"),
	model.TierMedium:    decimal.RequireFromString("1.5"),
	model.TierLarge:     decimal.RequireFromString("1.4"),
	model.TierVision:    decimal.RequireFromString("1.7"),
	model.TierAudio:     decimal.RequireFromString("1.6"),
	model.TierImage:     decimal.RequireFromString("2.0"),
	model.TierEmbedding: decimal.RequireFromString("1.5"),
}

var demandMultipliers = map[string]decimal.Decimal{
	"high":   decimal.RequireFromString("1.2"),
	"medium": decimal.NewFromInt(1),
	"low":    decimal.RequireFromString("0.9"),
}

var (
	usdPerCredit = decimal.RequireFromString("0.01")
	minRate      = decimal.RequireFromString("0.1")
)

// SuggestRate converts a provider cost in USD per 1K tokens into a credit
// rate per 1K tokens using the tier and demand markup.
func SuggestRate(providerCostPer1K decimal.Decimal, tier model.ModelTier, demand string) decimal.Decimal {
	markup, ok := tierMultipliers[tier]
	if !ok {
		markup = decimal.RequireFromString("1.5")
	}
	dm, ok := demandMultipliers[demand]
	if !ok {
		dm = decimal.NewFromInt(1)
	}
	rate := providerCostPer1K.Div(usdPerCredit).Mul(markup).Mul(dm)
	return decimal.Max(rate, minRate).Round(2)
}

// ProviderCost is what the upstream provider charges, in USD per 1K tokens.
type ProviderCost struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	Demand      string
}

// WithSuggestedRates fills the rates left at zero from the provider cost.
func WithSuggestedRates(p model.ModelPricing, cost ProviderCost) model.ModelPricing {
	tier := p.Tier
	if tier == "" {
		tier = DetectTier(p.ModelID, p.VisionSurcharge.IsPositive())
	}
	if p.InputRate.IsZero() && cost.InputPer1K.IsPositive() {
		p.InputRate = SuggestRate(cost.InputPer1K, tier, cost.Demand)
	}
	if p.OutputRate.IsZero() && cost.OutputPer1K.IsPositive() {
		p.OutputRate = SuggestRate(cost.OutputPer1K, tier, cost.Demand)
	}
	return p
}

// DetectTier guesses the tier from a model id.
func DetectTier(modelID string, hasVision bool) model.ModelTier {
	id := strings.ToLower(modelID)
	has := func(parts ...string) bool {
		for _, p := range parts {
			if strings.Contains(id, p) {
				return true
			}
		}
		return false
	}

	switch {
	case hasVision || has("vision", "llava"):
		return model.TierVision
	case has("whisper", "audio"):
		return model.TierAudio
	case has("flux", "stable-diffusion", "sdxl"):
		return model.TierImage
	case has("embed", "bge"):
		return model.TierEmbedding
	case has("1b", "3b", "micro"):
		return model.TierMicro
	case has("7b", "8b"):
		return model.TierSmall
	case has("11b", "12b", "17b", "20b", "24b", "27b", "32b"):
		return model.TierMedium
	case has("70b", "72b", "120b"):
		return model.TierLarge
	}
	return model.TierSmall
}

// Cost prices one request: tokens per 1K at the model rates plus the
// vision surcharge, rounded to the ledger unit.
func Cost(p model.ModelPricing, inputTokens, outputTokens int64, hasImage bool) decimal.Decimal {
	thousand := decimal.NewFromInt(1000)
	cost := decimal.NewFromInt(inputTokens).Div(thousand).Mul(p.InputRate).
		Add(decimal.NewFromInt(outputTokens).Div(thousand).Mul(p.OutputRate))
	if hasImage {
		cost = cost.Add(p.VisionSurcharge)
	}
	return model.Round(cost)
}
