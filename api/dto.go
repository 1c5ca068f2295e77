/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the wire contract from
  the domain types. Amounts travel as decimal strings so arbitrary-precision
  values survive JSON.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/purchase"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// TOKEN TYPES
// =============================================================================

type MineRequest struct {
	Amount string `json:"amount"`
}

type SendRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type BalanceDTO struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type SupplyDTO struct {
	TotalSupply string `json:"total_supply"`
}

type TransactionDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Seq       uint64 `json:"seq"`
	CreatedAt string `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        tx.ID,
		Type:      string(tx.Type),
		From:      string(tx.From),
		To:        string(tx.To),
		Amount:    tx.Amount.String(),
		Seq:       tx.Seq,
		CreatedAt: tx.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PROPERTY TYPES
// =============================================================================

type CreatePropertyRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	ThumbnailURL  string `json:"thumbnail_url"`
	TotalShares   uint64 `json:"total_shares"`
	PricePerShare string `json:"price_per_share"`
	CreatorShares uint64 `json:"creator_shares"`
}

type OwnershipDTO struct {
	Account string `json:"account"`
	Shares  uint64 `json:"shares"`
}

type PropertyDTO struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ThumbnailURL    string         `json:"thumbnail_url"`
	Creator         string         `json:"creator"`
	TotalShares     uint64         `json:"total_shares"`
	PricePerShare   string         `json:"price_per_share"`
	AvailableShares uint64         `json:"available_shares"`
	Owners          []OwnershipDTO `json:"owners"`
	CreatedAt       string         `json:"created_at"`
}

func toPropertyDTO(p registry.Property) PropertyDTO {
	owners := make([]OwnershipDTO, len(p.Owners))
	for i, o := range p.Owners {
		owners[i] = OwnershipDTO{Account: string(o.Account), Shares: o.Shares}
	}
	return PropertyDTO{
		ID:              int64(p.ID),
		Name:            p.Name,
		Description:     p.Description,
		ThumbnailURL:    p.ThumbnailURL,
		Creator:         string(p.Creator),
		TotalShares:     p.TotalShares,
		PricePerShare:   p.PricePerShare.String(),
		AvailableShares: p.AvailableShares,
		Owners:          owners,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

type ShareTransferRequest struct {
	To     string `json:"to"`
	Shares uint64 `json:"shares"`
}

// =============================================================================
// PURCHASE TYPES
// =============================================================================

type BuyRequest struct {
	Shares uint64 `json:"shares"`
}

type BuyResponseDTO struct {
	AttemptID  string `json:"attempt_id"`
	PropertyID int64  `json:"property_id"`
	Shares     uint64 `json:"shares"`
	Cost       string `json:"cost"`
	Status     string `json:"status"`
}

// ReconciliationDTO carries everything an operator needs when a purchase
// settled payment without receiving shares.
type ReconciliationDTO struct {
	Buyer           string `json:"buyer"`
	PropertyID      int64  `json:"property_id"`
	SharesRequested uint64 `json:"shares_requested"`
	AmountSettled   string `json:"amount_settled"`
	Advice          string `json:"advice"`
	Detail          string `json:"detail"`
}

func toReconciliationDTO(e *purchase.GrantFailedError) *ReconciliationDTO {
	return &ReconciliationDTO{
		Buyer:           string(e.Buyer),
		PropertyID:      int64(e.PropertyID),
		SharesRequested: e.SharesRequested,
		AmountSettled:   e.AmountSettled.String(),
		Advice:          string(e.Advice.Action),
		Detail:          e.Advice.Detail,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error          string             `json:"error"`
	Code           string             `json:"code,omitempty"`
	Details        string             `json:"details,omitempty"`
	Reconciliation *ReconciliationDTO `json:"reconciliation,omitempty"`
}
