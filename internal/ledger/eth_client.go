package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"homeward/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// EthClient talks to an EVM chain over JSON-RPC and signs with a single key.
type EthClient struct {
	client       *ethclient.Client
	abi          abi.ABI
	chainID      *big.Int
	transacts    *bind.TransactOpts
	pollInterval time.Duration
	logger       *zap.Logger

	// nonce is read from the pending pool, so sends from one key are serialized.
	sendMu sync.Mutex

	mu     sync.Mutex
	bounds map[common.Address]*bind.BoundContract
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	PollInterval  time.Duration
	Logger        *zap.Logger
}

var _ Client = (*EthClient)(nil)

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting calls")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.RemittanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EthClient{
		client:       cli,
		abi:          parsedABI,
		chainID:      chainID,
		transacts:    txOpts,
		pollInterval: poll,
		logger:       logger.Named("ledger.eth"),
		bounds:       make(map[common.Address]*bind.BoundContract),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Signer is the address calls are sent from.
func (c *EthClient) Signer() string {
	return c.transacts.From.Hex()
}

func (c *EthClient) bound(contract string) (*bind.BoundContract, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	addr := common.HexToAddress(contract)

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bounds[addr]; ok {
		return b, nil
	}
	b := bind.NewBoundContract(addr, c.abi, c.client, c.client, c.client)
	c.bounds[addr] = b
	return b, nil
}

func (c *EthClient) SubmitCall(ctx context.Context, call Call) (CallHandle, error) {
	contract, err := c.bound(call.Contract)
	if err != nil {
		return "", Reject(ReasonMalformedArguments, err.Error())
	}
	args, err := c.convertArgs(call.Method, call.Args)
	if err != nil {
		return "", Reject(ReasonMalformedArguments, err.Error())
	}
	if call.From != "" && !strings.EqualFold(call.From, c.transacts.From.Hex()) {
		return "", Reject(ReasonSignatureRejected, fmt.Sprintf("key for %s cannot sign for %s", c.transacts.From.Hex(), call.From))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = call.Value

	tx, err := contract.Transact(&opts, call.Method, args...)
	if err != nil {
		return "", classifySendError(ctx, err)
	}

	c.logger.Info("call accepted",
		zap.String("method", call.Method),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()),
	)
	return CallHandle(tx.Hash().Hex()), nil
}

// WaitForReceipt polls the node until the transaction is mined or ctx is done.
func (c *EthClient) WaitForReceipt(ctx context.Context, handle CallHandle) (Receipt, error) {
	hash := common.HexToHash(string(handle))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return c.toReceipt(ctx, handle, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			// the call is already accepted, so a failed lookup only delays the answer
			c.logger.Warn("receipt lookup failed, polling again", zap.String("handle", string(handle)), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) toReceipt(ctx context.Context, handle CallHandle, r *types.Receipt) Receipt {
	out := Receipt{
		Handle:    handle,
		Status:    ReceiptSuccess,
		Timestamp: time.Now().UTC(),
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
		if header, err := c.client.HeaderByNumber(ctx, r.BlockNumber); err == nil {
			out.Timestamp = time.Unix(int64(header.Time), 0).UTC()
		} else {
			c.logger.Warn("block header lookup failed", zap.Uint64("block", out.BlockNumber), zap.Error(err))
		}
	}
	if r.Status != types.ReceiptStatusSuccessful {
		out.Status = ReceiptFailure
		out.ErrorDetail = fmt.Sprintf("call reverted in block %d", out.BlockNumber)
	}
	return out
}

func (c *EthClient) ReadState(ctx context.Context, call ReadCall) ([]any, error) {
	contract, err := c.bound(call.Contract)
	if err != nil {
		return nil, err
	}
	args, err := c.convertArgs(call.Method, call.Args)
	if err != nil {
		return nil, err
	}

	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, call.Method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", call.Method, err)
	}
	for i, v := range out {
		if addr, ok := v.(common.Address); ok {
			out[i] = addr.Hex()
		}
	}
	return out, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	c.client.Close()
}

// convertArgs maps ledger-agnostic argument values onto the ABI input types.
func (c *EthClient) convertArgs(method string, args []any) ([]any, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	if len(m.Inputs) != len(args) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", method, len(m.Inputs), len(args))
	}
	out := make([]any, len(args))
	for i, in := range m.Inputs {
		switch in.Type.T {
		case abi.AddressTy:
			s, ok := args[i].(string)
			if !ok || !common.IsHexAddress(s) {
				return nil, fmt.Errorf("argument %s: invalid address", in.Name)
			}
			out[i] = common.HexToAddress(s)
		case abi.UintTy, abi.IntTy:
			if in.Type.Size > 64 {
				n, ok := args[i].(*big.Int)
				if !ok || n == nil {
					return nil, fmt.Errorf("argument %s: expected integer", in.Name)
				}
			}
			out[i] = args[i]
		default:
			out[i] = args[i]
		}
	}
	return out, nil
}

func classifySendError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return Reject(ReasonUserCancelled, ctx.Err().Error())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return Reject(ReasonInsufficientFunds, err.Error())
	case strings.Contains(msg, "signature"), strings.Contains(msg, "invalid sender"):
		return Reject(ReasonSignatureRejected, err.Error())
	case strings.Contains(msg, "abi:"), strings.Contains(msg, "argument"):
		return Reject(ReasonMalformedArguments, err.Error())
	default:
		return Reject(ReasonRejected, err.Error())
	}
}
