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

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	kvStoreABIJSON = `[
{"inputs":[{"internalType":"string","name":"key","type":"string"}],"name":"getData","outputs":[{"internalType":"bytes","name":"","type":"bytes"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"string","name":"key","type":"string"},{"internalType":"bytes","name":"value","type":"bytes"}],"name":"setData","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"isAvailable","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`
)

var (
	kvStoreABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(kvStoreABIJSON))
	if err != nil {
		panic("failed to parse key/value store ABI: " + err.Error())
	}
	kvStoreABI = parsed
}

// EthereumOptions parameterise the contract-backed ledger.
type EthereumOptions struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	GasLimit        uint64
	Timeout         time.Duration
	ConfirmTimeout  time.Duration
}

// Ethereum talks to a key/value store contract over JSON-RPC. Without a
// private key it is read-only.
type Ethereum struct {
	opts      EthereumOptions
	logger    zerolog.Logger
	key       *ecdsa.PrivateKey
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEthereum builds a contract client. The RPC connection is dialled lazily.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	e := &Ethereum{opts: opts, logger: logger.With().Str("component", "ledger_ethereum").Logger()}
	if pk := strings.TrimSpace(opts.PrivateKey); pk != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(pk, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		if opts.ChainID <= 0 {
			return nil, errors.New("chain id required for signer mode")
		}
		e.key = key
	}
	return e, nil
}

func (e *Ethereum) Mode() Mode {
	if e.key != nil {
		return ModeSigner
	}
	return ModeReadOnly
}

// Address returns the signer address, or the zero address in read-only mode.
func (e *Ethereum) Address() common.Address {
	if e.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

func (e *Ethereum) IsAvailable(ctx context.Context) bool {
	outputs, err := e.call(ctx, "isAvailable")
	if err != nil {
		e.logger.Warn().Err(err).Msg("availability probe failed")
		return false
	}
	if len(outputs) != 1 {
		return false
	}
	ok, _ := outputs[0].(bool)
	return ok
}

func (e *Ethereum) GetData(ctx context.Context, key string) ([]byte, error) {
	outputs, err := e.call(ctx, "getData", key)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected getData response")
	}
	value, ok := outputs[0].([]byte)
	if !ok {
		return nil, errors.New("failed to decode getData output")
	}
	return value, nil
}

func (e *Ethereum) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	if e.key == nil {
		return Receipt{}, ErrReadOnly
	}
	if err := e.checkConfig(); err != nil {
		return Receipt{}, err
	}

	timeout := e.opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return Receipt{}, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(e.key, big.NewInt(e.opts.ChainID))
	if err != nil {
		return Receipt{}, fmt.Errorf("build transactor: %w", err)
	}
	auth.Context = ctx
	if e.opts.GasLimit > 0 {
		auth.GasLimit = e.opts.GasLimit
	}

	addr := common.HexToAddress(e.opts.ContractAddress)
	contract := bind.NewBoundContract(addr, kvStoreABI, client, client, client)
	tx, err := contract.Transact(auth, "setData", key, value)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit setData: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("setData reverted in %s", tx.Hash().Hex())
	}

	e.logger.Debug().Str("key", key).Str("tx", tx.Hash().Hex()).Uint64("block", receipt.BlockNumber.Uint64()).Msg("setData confirmed")
	return Receipt{Key: key, TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

// Close drops the RPC connection.
func (e *Ethereum) Close() error {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	return nil
}

func (e *Ethereum) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := e.checkConfig(); err != nil {
		return nil, err
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := kvStoreABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(e.opts.ContractAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return kvStoreABI.Unpack(method, res)
}

func (e *Ethereum) checkConfig() error {
	if e.opts.RPCURL == "" {
		return fmt.Errorf("ethereum rpc url: %w", ErrNotConfigured)
	}
	if e.opts.ContractAddress == "" {
		return fmt.Errorf("ledger contract address: %w", ErrNotConfigured)
	}
	return nil
}

func (e *Ethereum) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ Client = (*Ethereum)(nil)
