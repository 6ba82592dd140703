package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type Reputation struct {
	Account string `json:"account"`
	Score   uint8  `json:"score"`
}

type TransactionCount struct {
	Account string `json:"account"`
	Count   uint8  `json:"count"`
}

// TransactionInfo is the ledger's record of a remittance. Amount and Fee are
// in whole units; the fee is the ledger's own figure.
type TransactionInfo struct {
	ID               string          `json:"id"`
	RecipientName    string          `json:"recipientName"`
	RecipientCountry string          `json:"recipientCountry"`
	Purpose          string          `json:"purpose"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	ExchangeRate     string          `json:"exchangeRate"`
	IsActive         bool            `json:"isActive"`
	IsVerified       bool            `json:"isVerified"`
	IsCompleted      bool            `json:"isCompleted"`
	CreatedAt        time.Time       `json:"createdAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

func (c *Cache) Reputation(ctx context.Context, account string) (Reputation, error) {
	var out Reputation
	err := c.getInto(ctx, QueryKey{Type: QueryReputation, Subject: account}, &out)
	return out, err
}

func (c *Cache) TransactionCount(ctx context.Context, account string) (TransactionCount, error) {
	var out TransactionCount
	err := c.getInto(ctx, QueryKey{Type: QueryTransactionCount, Subject: account}, &out)
	return out, err
}

func (c *Cache) TransactionDetail(ctx context.Context, txID string) (TransactionInfo, error) {
	var out TransactionInfo
	err := c.getInto(ctx, QueryKey{Type: QueryTransactionDetail, Subject: txID}, &out)
	return out, err
}

func (c *Cache) getInto(ctx context.Context, key QueryKey, dst any) error {
	entry, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, dst); err != nil {
		return fmt.Errorf("decode cached %s: %w", entry.Key, err)
	}
	return nil
}

// decode turns raw view outputs into the cached value and the accounts it
// depends on.
func (c *Cache) decode(key QueryKey, out []any) (any, []string, error) {
	switch key.Type {
	case QueryReputation:
		n, err := uint8Output(out, 0)
		if err != nil {
			return nil, nil, err
		}
		return Reputation{Account: key.Subject, Score: n}, []string{key.Subject}, nil
	case QueryTransactionCount:
		n, err := uint8Output(out, 0)
		if err != nil {
			return nil, nil, err
		}
		return TransactionCount{Account: key.Subject, Count: n}, []string{key.Subject}, nil
	case QueryTransactionDetail:
		return c.decodeTransaction(key.Subject, out)
	}
	return nil, nil, fmt.Errorf("unknown query type %q", key.Type)
}

func (c *Cache) decodeTransaction(id string, out []any) (any, []string, error) {
	if len(out) != 13 {
		return nil, nil, fmt.Errorf("getTransactionInfo returned %d values, want 13", len(out))
	}
	var (
		info  = TransactionInfo{ID: id}
		nums  [5]*big.Int
		flags [3]bool
		ok    bool
	)
	strs := []*string{&info.RecipientName, &info.RecipientCountry, &info.Purpose, &info.Sender, &info.Recipient}
	for i, dst := range strs {
		if *dst, ok = out[i].(string); !ok {
			return nil, nil, fmt.Errorf("output %d: unexpected type %T", i, out[i])
		}
	}
	for i, at := range [...]int{5, 6, 7, 11, 12} {
		if nums[i], ok = out[at].(*big.Int); !ok {
			return nil, nil, fmt.Errorf("output %d: unexpected type %T", at, out[at])
		}
	}
	for i := range flags {
		if flags[i], ok = out[8+i].(bool); !ok {
			return nil, nil, fmt.Errorf("output %d: unexpected type %T", 8+i, out[8+i])
		}
	}

	info.Amount = decimal.NewFromBigInt(nums[0], -c.decimals)
	info.Fee = decimal.NewFromBigInt(nums[1], -c.decimals)
	info.ExchangeRate = nums[2].String()
	info.IsActive, info.IsVerified, info.IsCompleted = flags[0], flags[1], flags[2]
	info.CreatedAt = time.Unix(nums[3].Int64(), 0).UTC()
	if nums[4].Sign() > 0 {
		done := time.Unix(nums[4].Int64(), 0).UTC()
		info.CompletedAt = &done
	}

	var accounts []string
	for _, acc := range []string{info.Sender, info.Recipient} {
		if acc = normalizeAccount(acc); acc != "" {
			accounts = append(accounts, acc)
		}
	}
	return info, accounts, nil
}

func uint8Output(out []any, i int) (uint8, error) {
	if len(out) <= i {
		return 0, fmt.Errorf("view returned %d values", len(out))
	}
	switch v := out[i].(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("output %d out of range: %s", i, v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("output %d: unexpected type %T", i, v)
	}
}
