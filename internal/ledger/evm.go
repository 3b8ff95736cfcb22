package ledger

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"math/big"
	"strings"
	"time"

	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// EVMConfig describes one signing connection to the router.
type EVMConfig struct {
	RPCURL        string
	Router        string
	AccessControl string
	PrivateKey    string
	ChainID       int64
	PollInterval  time.Duration
}

// EVMLedger talks to the deployed router, oracle and access control through JSON-RPC.
type EVMLedger struct {
	client     *ethclient.Client
	routerABI  abi.ABI
	router     *bind.BoundContract
	access     *bind.BoundContract
	routerAddr common.Address
	key        *ecdsa.PrivateKey
	account    common.Address
	chainID    *big.Int
	poll       time.Duration
}

// NewEVMLedger dials the node and binds the contracts.
func NewEVMLedger(ctx context.Context, cfg EVMConfig) (*EVMLedger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.RPCURL)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "query chain id")
		}
	}

	rABI, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "parse router abi")
	}
	aABI, err := abi.JSON(strings.NewReader(accessControlABI))
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "parse access control abi")
	}

	if !common.IsHexAddress(cfg.Router) {
		client.Close()
		return nil, errors.Errorf("invalid router address %q", cfg.Router)
	}
	routerAddr := common.HexToAddress(cfg.Router)

	l := &EVMLedger{
		client:     client,
		routerABI:  rABI,
		router:     bind.NewBoundContract(routerAddr, rABI, client, client, client),
		routerAddr: routerAddr,
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		poll:       cfg.PollInterval,
	}
	if l.poll <= 0 {
		l.poll = time.Second
	}
	if common.IsHexAddress(cfg.AccessControl) {
		l.access = bind.NewBoundContract(common.HexToAddress(cfg.AccessControl), aABI, client, client, client)
	}
	return l, nil
}

// Close releases the RPC connection.
func (l *EVMLedger) Close() { l.client.Close() }

func (l *EVMLedger) Account() common.Address { return l.account }

func (l *EVMLedger) call(ctx context.Context, c *bind.BoundContract, op, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, Classify(op, err, revertReason(err))
	}
	return out, nil
}

func (l *EVMLedger) callUint(ctx context.Context, op, method string, args ...interface{}) (*big.Int, error) {
	out, err := l.call(ctx, l.router, op, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (l *EVMLedger) NextOrderID(ctx context.Context) (uint64, error) {
	v, err := l.callUint(ctx, OpNextOrderID, "getNextOrderId")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (l *EVMLedger) NextPositionID(ctx context.Context) (uint64, error) {
	v, err := l.callUint(ctx, OpNextPositionID, "getNextPositionId")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (l *EVMLedger) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	out, err := l.call(ctx, l.router, OpGetOrder, "getOrder", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new(routerOrder)).(*routerOrder)
	// the router returns a zeroed struct for unknown ids
	if raw.Id == nil || raw.Id.Sign() == 0 {
		return nil, newError(OpGetOrder, NotFound, "order not found")
	}
	dir := models.Short
	if raw.IsLong {
		dir = models.Long
	}
	return &models.Order{
		ID:           raw.Id.Uint64(),
		User:         raw.User,
		TokenIn:      raw.TokenIn,
		TokenOut:     raw.TokenOut,
		AmountIn:     FromFixed(raw.AmountIn),
		TargetPrice:  FromFixed(raw.TargetPrice),
		MinAmountOut: FromFixed(raw.MinAmountOut),
		Kind:         models.OrderKind(raw.OrderType),
		Direction:    dir,
		Executed:     raw.Executed,
		CreatedAt:    time.Unix(raw.CreatedAt.Int64(), 0),
	}, nil
}

func (l *EVMLedger) GetPosition(ctx context.Context, id uint64) (*models.Position, error) {
	out, err := l.call(ctx, l.router, OpGetPosition, "getPosition", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new(routerPosition)).(*routerPosition)
	if raw.Id == nil || raw.Id.Sign() == 0 {
		return nil, newError(OpGetPosition, NotFound, "position not found")
	}
	return &models.Position{
		ID:         raw.Id.Uint64(),
		User:       raw.User,
		Token:      raw.Token,
		Kind:       models.Direction(raw.PositionType),
		Collateral: FromFixed(raw.Collateral),
		Leverage:   raw.Leverage.Uint64(),
		EntryPrice: FromFixed(raw.EntryPrice),
		IsOpen:     raw.IsOpen,
	}, nil
}

func (l *EVMLedger) GetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	v, err := l.callUint(ctx, OpGetPrice, "getPrice", asset)
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

func (l *EVMLedger) ShouldExecuteOrder(ctx context.Context, id uint64) (bool, error) {
	out, err := l.call(ctx, l.router, OpShouldExecute, "shouldExecuteOrder", new(big.Int).SetUint64(id))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EVMLedger) IsPaused(ctx context.Context) (bool, error) {
	if l.access == nil {
		return false, nil
	}
	out, err := l.call(ctx, l.access, OpIsPaused, "emergencyStop")
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EVMLedger) AccountSequence(ctx context.Context) (uint64, error) {
	n, err := l.client.PendingNonceAt(ctx, l.account)
	if err != nil {
		return 0, Classify(OpAccountSequence, err, "")
	}
	return n, nil
}

func (l *EVMLedger) FeeEstimate(ctx context.Context) (*big.Int, error) {
	p, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Classify(OpFeeEstimate, err, "")
	}
	return p, nil
}

func (l *EVMLedger) ExecuteOrder(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error) {
	return l.transact(ctx, OpExecuteOrder, opts, "selfExecuteOrder", new(big.Int).SetUint64(id))
}

func (l *EVMLedger) LiquidatePosition(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error) {
	return l.transact(ctx, OpLiquidate, opts, "liquidatePosition", new(big.Int).SetUint64(id))
}

func (l *EVMLedger) UpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal, opts TxOpts) (PendingTx, error) {
	return l.transact(ctx, OpUpdatePrice, opts, "updateOraclePrice", asset, ToFixed(price))
}

// SimulateUpdatePrice dry-runs updateOraclePrice against the latest block.
func (l *EVMLedger) SimulateUpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal) error {
	input, err := l.routerABI.Pack("updateOraclePrice", asset, ToFixed(price))
	if err != nil {
		return Classify(OpUpdatePrice, err, "")
	}
	return l.simulate(ctx, OpUpdatePrice, input, TxOpts{}, nil)
}

func (l *EVMLedger) simulate(ctx context.Context, op string, input []byte, opts TxOpts, block *big.Int) error {
	msg := ethereum.CallMsg{
		From:     l.account,
		To:       &l.routerAddr,
		Gas:      opts.GasLimit,
		GasPrice: opts.GasPrice,
		Data:     input,
	}
	if _, err := l.client.CallContract(ctx, msg, block); err != nil {
		return Classify(op, err, revertReason(err))
	}
	return nil
}

// transact simulates the call first so reverts surface as immediate rejections that
// never consume the reserved nonce.
func (l *EVMLedger) transact(ctx context.Context, op string, opts TxOpts, method string, args ...interface{}) (PendingTx, error) {
	input, err := l.routerABI.Pack(method, args...)
	if err != nil {
		return nil, Classify(op, err, "")
	}
	if err := l.simulate(ctx, op, input, opts, nil); err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return nil, Classify(op, err, "")
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(opts.Nonce)
	auth.GasPrice = opts.GasPrice
	auth.GasLimit = opts.GasLimit

	tx, err := l.router.Transact(auth, method, args...)
	if err != nil {
		return nil, Classify(op, err, revertReason(err))
	}
	return &evmTx{ledger: l, op: op, tx: tx, input: input, opts: opts}, nil
}

type evmTx struct {
	ledger *EVMLedger
	op     string
	tx     *types.Transaction
	input  []byte
	opts   TxOpts
}

func (t *evmTx) Hash() string { return t.tx.Hash().Hex() }

// Wait polls for the receipt. A failed receipt is replayed at its block to recover the
// revert reason.
func (t *evmTx) Wait(ctx context.Context) error {
	ticker := time.NewTicker(t.ledger.poll)
	defer ticker.Stop()
	for {
		receipt, err := t.ledger.client.TransactionReceipt(ctx, t.tx.Hash())
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			if serr := t.ledger.simulate(ctx, t.op, t.input, t.opts, receipt.BlockNumber); serr != nil {
				return serr
			}
			return newError(t.op, Unclassified, "transaction reverted")
		}
		if !stderrors.Is(err, ethereum.NotFound) {
			if le := Classify(t.op, err, ""); le.Code != TransientConnectivity {
				return le
			}
		}
		select {
		case <-ctx.Done():
			return Classify(t.op, ctx.Err(), "")
		case <-ticker.C:
		}
	}
}

// Diagnose reads balances and the router version for the signing account.
func (l *EVMLedger) Diagnose(ctx context.Context, tokens map[string]common.Address) (*models.Diagnostics, error) {
	d := &models.Diagnostics{
		Account:       l.account,
		TokenBalances: make(map[string]decimal.Decimal, len(tokens)),
		TakenAt:       time.Now(),
	}
	wei, err := l.client.BalanceAt(ctx, l.account, nil)
	if err != nil {
		return nil, errors.Wrap(err, "native balance")
	}
	d.NativeBalance = FromFixed(wei)

	if pool, err := l.callUint(ctx, "get_balance", "getBalance", l.account, models.NativeAsset); err == nil {
		d.PoolBalance = FromFixed(pool)
	}
	if out, err := l.call(ctx, l.router, "version", "version"); err == nil {
		d.RouterVersion = *abi.ConvertType(out[0], new(string)).(*string)
	} else {
		d.RouterVersion = "unknown"
	}
	for sym, addr := range tokens {
		bal, err := l.callUint(ctx, "get_balance", "getBalance", l.account, addr)
		if err != nil {
			continue
		}
		d.TokenBalances[sym] = FromFixed(bal)
	}
	if d.Nonce, err = l.AccountSequence(ctx); err != nil {
		return nil, err
	}
	if d.Paused, err = l.IsPaused(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// revertReason extracts the Error(string) payload carried by JSON-RPC errors.
func revertReason(err error) string {
	var de rpc.DataError
	if !stderrors.As(err, &de) {
		return ""
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	data, derr := hexutil.Decode(s)
	if derr != nil {
		return ""
	}
	reason, uerr := abi.UnpackRevert(data)
	if uerr != nil {
		return ""
	}
	return reason
}
