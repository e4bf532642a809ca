package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
	"github.com/rs/zerolog"
)

// FabricOptions locate the gateway profile, identity and chaincode.
type FabricOptions struct {
	ConfigPath string
	WalletPath string
	Identity   string
	MSPID      string
	CertPath   string
	KeyPath    string
	Channel    string
	Contract   string
}

// Fabric stores records through a key/value chaincode exposing getData,
// setData and isAvailable. Gateway identities always sign.
type Fabric struct {
	gw       *gateway.Gateway
	contract *gateway.Contract
	logger   zerolog.Logger
}

// NewFabric connects to the gateway, enrolling the X.509 identity into the
// wallet on first use.
func NewFabric(opts FabricOptions, logger zerolog.Logger) (*Fabric, error) {
	if opts.ConfigPath == "" || opts.Channel == "" || opts.Contract == "" {
		return nil, fmt.Errorf("fabric gateway: %w", ErrNotConfigured)
	}
	walletPath := opts.WalletPath
	if walletPath == "" {
		walletPath = "wallet"
	}
	identity := opts.Identity
	if identity == "" {
		identity = "appUser"
	}

	wallet, err := gateway.NewFileSystemWallet(walletPath)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	if !wallet.Exists(identity) {
		if err := populateWallet(wallet, identity, opts); err != nil {
			return nil, fmt.Errorf("populate wallet: %w", err)
		}
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(opts.ConfigPath))),
		gateway.WithIdentity(wallet, identity),
	)
	if err != nil {
		return nil, fmt.Errorf("connect gateway: %w", err)
	}

	network, err := gw.GetNetwork(opts.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("get network %s: %w", opts.Channel, err)
	}

	return &Fabric{
		gw:       gw,
		contract: network.GetContract(opts.Contract),
		logger:   logger.With().Str("component", "ledger_fabric").Logger(),
	}, nil
}

func (f *Fabric) Mode() Mode { return ModeSigner }

func (f *Fabric) IsAvailable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	res, err := f.contract.EvaluateTransaction("isAvailable")
	if err != nil {
		f.logger.Warn().Err(err).Msg("availability probe failed")
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(res)), "true")
}

func (f *Fabric) GetData(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := f.contract.EvaluateTransaction("getData", key)
	if err != nil {
		return nil, fmt.Errorf("evaluate getData: %w", err)
	}
	return res, nil
}

func (f *Fabric) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if _, err := f.contract.SubmitTransaction("setData", key, string(value)); err != nil {
		return Receipt{}, fmt.Errorf("submit setData: %w", err)
	}
	return Receipt{Key: key}, nil
}

// Close disconnects from the gateway.
func (f *Fabric) Close() error {
	f.gw.Close()
	return nil
}

func populateWallet(wallet *gateway.Wallet, label string, opts FabricOptions) error {
	cert, err := os.ReadFile(filepath.Clean(opts.CertPath))
	if err != nil {
		return err
	}

	key, err := os.ReadFile(filepath.Clean(opts.KeyPath))
	if err != nil {
		return err
	}

	identity := gateway.NewX509Identity(opts.MSPID, string(cert), string(key))

	return wallet.Put(label, identity)
}

var _ Client = (*Fabric)(nil)
