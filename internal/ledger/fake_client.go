package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"homeward/internal/contracts"
)

// FakeClient is an in-process ledger for local runs without a signing key.
// Every accepted call confirms on its first receipt wait.
type FakeClient struct {
	Now func() time.Time

	mu       sync.Mutex
	seq      uint64
	pending  map[CallHandle]Call
	receipts map[CallHandle]Receipt
	txs      []fakeTx
	sent     map[string]int
}

type fakeTx struct {
	sender, recipient      string
	name, country, purpose string
	amount, fee            *big.Int
	createdAt, completedAt time.Time
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		pending:  make(map[CallHandle]Call),
		receipts: make(map[CallHandle]Receipt),
		sent:     make(map[string]int),
	}
}

func (f *FakeClient) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

func (f *FakeClient) SubmitCall(ctx context.Context, call Call) (CallHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", Reject(ReasonUserCancelled, err.Error())
	}
	switch call.Method {
	case contracts.MethodCreateRemittance:
		if len(call.Args) != 7 {
			return "", Reject(ReasonMalformedArguments, "createRemittance takes 7 arguments")
		}
	case contracts.MethodCompleteTransaction:
		if len(call.Args) != 1 {
			return "", Reject(ReasonMalformedArguments, "completeTransaction takes 1 argument")
		}
	default:
		return "", Reject(ReasonMalformedArguments, fmt.Sprintf("unknown method %q", call.Method))
	}
	if call.From == "" {
		return "", Reject(ReasonSignatureRejected, "no signer for call")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := CallHandle(fakeHash(fmt.Sprintf("%s|%s|%s|%v|%d", call.Contract, call.From, call.Method, call.Args, f.seq)))
	f.pending[handle] = call
	return handle, nil
}

func (f *FakeClient) WaitForReceipt(ctx context.Context, handle CallHandle) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[handle]; ok {
		return r, nil
	}
	call, ok := f.pending[handle]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown call handle %s", handle)
	}
	delete(f.pending, handle)

	r := Receipt{
		Handle:      handle,
		Status:      ReceiptSuccess,
		Timestamp:   f.now(),
		BlockNumber: f.seq,
		GasUsed:     21000,
	}
	if err := f.apply(call, r.Timestamp); err != nil {
		r.Status = ReceiptFailure
		r.ErrorDetail = err.Error()
	}
	f.receipts[handle] = r
	return r, nil
}

func (f *FakeClient) apply(call Call, at time.Time) error {
	switch call.Method {
	case contracts.MethodCreateRemittance:
		amount, _ := call.Args[0].(*big.Int)
		fee, _ := call.Args[1].(*big.Int)
		name, _ := call.Args[2].(string)
		country, _ := call.Args[3].(string)
		purpose, _ := call.Args[4].(string)
		recipient, _ := call.Args[5].(string)
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("execution reverted: invalid amount")
		}
		f.txs = append(f.txs, fakeTx{
			sender:    strings.ToLower(call.From),
			recipient: strings.ToLower(recipient),
			name:      name,
			country:   country,
			purpose:   purpose,
			amount:    amount,
			fee:       fee,
			createdAt: at,
		})
		f.sent[strings.ToLower(call.From)]++
	case contracts.MethodCompleteTransaction:
		id, _ := call.Args[0].(*big.Int)
		if id == nil || !id.IsUint64() || id.Uint64() >= uint64(len(f.txs)) {
			return fmt.Errorf("execution reverted: unknown transaction")
		}
		tx := &f.txs[id.Uint64()]
		if !tx.completedAt.IsZero() {
			return fmt.Errorf("execution reverted: already completed")
		}
		tx.completedAt = at
	}
	return nil
}

func (f *FakeClient) ReadState(_ context.Context, call ReadCall) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch call.Method {
	case contracts.MethodGetUserReputation, contracts.MethodGetUserTransactionCnt:
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument", call.Method)
		}
		user, _ := call.Args[0].(string)
		n := f.sent[strings.ToLower(user)]
		if call.Method == contracts.MethodGetUserReputation {
			n *= 10
		}
		if n > 255 {
			n = 255
		}
		return []any{uint8(n)}, nil
	case contracts.MethodGetTransactionInfo:
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument", call.Method)
		}
		id, _ := call.Args[0].(*big.Int)
		if id == nil || !id.IsUint64() || id.Uint64() >= uint64(len(f.txs)) {
			return nil, fmt.Errorf("execution reverted: unknown transaction")
		}
		tx := f.txs[id.Uint64()]
		var completion int64
		if !tx.completedAt.IsZero() {
			completion = tx.completedAt.Unix()
		}
		return []any{
			tx.name, tx.country, tx.purpose,
			tx.sender, tx.recipient,
			tx.amount, tx.fee, big.NewInt(1),
			tx.completedAt.IsZero(), true, !tx.completedAt.IsZero(),
			big.NewInt(tx.createdAt.Unix()), big.NewInt(completion),
		}, nil
	default:
		return nil, fmt.Errorf("unknown view %q", call.Method)
	}
}

func (f *FakeClient) Ping(context.Context) error { return nil }

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
