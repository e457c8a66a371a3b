package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoWallet        = errors.New("no wallet has been created")
	ErrWalletExists    = errors.New("wallet already exists")
	ErrLocked          = errors.New("wallet is locked")
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// BalanceReader reads an account balance. *ethclient.Client satisfies it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Manager keeps the operational account of the client in an encrypted keystore
// directory. Only the first account of the directory is used.
type Manager struct {
	ks      *keystore.KeyStore
	chainID *big.Int

	mu       sync.RWMutex
	unlocked *accounts.Account
}

type options struct {
	scryptN int
	scryptP int
}

// Option configures the manager
type Option func(*options)

// WithScrypt overrides the key derivation cost. Tests use the light parameters.
func WithScrypt(n, p int) Option {
	return func(o *options) {
		o.scryptN = n
		o.scryptP = p
	}
}

func NewManager(dir string, chainID *big.Int, opts ...Option) *Manager {
	o := options{scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		ks:      keystore.NewKeyStore(dir, o.scryptN, o.scryptP),
		chainID: new(big.Int).Set(chainID),
	}
}

func (m *Manager) Exists() bool {
	return len(m.ks.Accounts()) > 0
}

// Create generates a new key encrypted with passphrase. It does not unlock it.
func (m *Manager) Create(passphrase string) (common.Address, error) {
	if m.Exists() {
		return common.Address{}, ErrWalletExists
	}
	if passphrase == "" {
		return common.Address{}, errors.New("passphrase must not be empty")
	}
	acct, err := m.ks.NewAccount(passphrase)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to create account: %w", err)
	}
	return acct.Address, nil
}

// Unlock decrypts the key until Lock is called.
func (m *Manager) Unlock(passphrase string) (common.Address, error) {
	accts := m.ks.Accounts()
	if len(accts) == 0 {
		return common.Address{}, ErrNoWallet
	}
	acct := accts[0]
	if err := m.ks.Unlock(acct, passphrase); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return common.Address{}, ErrWrongPassphrase
		}
		return common.Address{}, fmt.Errorf("failed to unlock %s: %w", acct.Address.Hex(), err)
	}

	m.mu.Lock()
	m.unlocked = &acct
	m.mu.Unlock()
	return acct.Address, nil
}

func (m *Manager) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unlocked == nil {
		return nil
	}
	addr := m.unlocked.Address
	m.unlocked = nil
	return m.ks.Lock(addr)
}

// Address returns the unlocked address.
func (m *Manager) Address() (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unlocked == nil {
		return common.Address{}, false
	}
	return m.unlocked.Address, true
}

// Account returns the unlocked account as a read-only value.
func (m *Manager) Account() (Account, error) {
	addr, ok := m.Address()
	if !ok {
		return Account{}, ErrLocked
	}
	return Account{addr: addr}, nil
}

// Transactor returns signing options for the unlocked account.
func (m *Manager) Transactor() (*bind.TransactOpts, error) {
	m.mu.RLock()
	acct := m.unlocked
	m.mu.RUnlock()
	if acct == nil {
		return nil, ErrLocked
	}
	opts, err := bind.NewKeyStoreTransactorWithChainID(m.ks, *acct, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	return opts, nil
}

// Balance reads the balance of the unlocked account at the latest block.
func (m *Manager) Balance(ctx context.Context, reader BalanceReader) (*big.Int, error) {
	addr, ok := m.Address()
	if !ok {
		return nil, ErrLocked
	}
	balance, err := reader.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Account is the address of an unlocked wallet.
type Account struct {
	addr common.Address
}

func (a Account) Address() common.Address { return a.addr }
