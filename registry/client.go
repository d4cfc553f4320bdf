// Package registry provides typed access to the DuoPoW rewards contract.
package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultChainID is the Taiko mainnet chain id the contract is deployed on.
const DefaultChainID uint64 = 167000

const contractABI = `[
	{"type":"function","name":"users","stateMutability":"view","inputs":[{"name":"id","type":"uint64"}],"outputs":[{"name":"addr","type":"address"},{"name":"xp","type":"uint256"}]},
	{"type":"function","name":"userRegister","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint64"},{"name":"addr","type":"address"},{"name":"xp","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"userUpdateAddress","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint64"},{"name":"addr","type":"address"}],"outputs":[]},
	{"type":"function","name":"userUnregister","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"reportXp","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint64"},{"name":"xp","type":"uint256"}],"outputs":[]}
]`

// Backend is the subset of the Ethereum RPC surface the client depends on.
// *ethclient.Client satisfies it; tests inject fakes.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client signs and submits contract calls with the process-held key. Writes
// return once accepted by the submission layer; they are submitted, not
// committed, and no finality wait happens here. Callers needing certainty
// must re-read with Lookup afterwards.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	signer   types.Signer
	from     common.Address

	// Serialises nonce acquisition and submission for the single signer key.
	mu sync.Mutex
}

// New constructs a registry client bound to the contract at the given address.
func New(backend Backend, contract common.Address, key *ecdsa.PrivateKey, chainID uint64) (*Client, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	if (contract == common.Address{}) {
		return nil, errors.New("contract address required")
	}
	if key == nil {
		return nil, errors.New("signer key required")
	}
	if chainID == 0 {
		chainID = DefaultChainID
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	return &Client{
		backend:  backend,
		contract: contract,
		abi:      parsed,
		key:      key,
		signer:   types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Lookup reads the registration record for an external id. The zero address
// signals "unregistered". Reads are eventually consistent with the chain.
func (c *Client) Lookup(ctx context.Context, externalID uint64) (common.Address, *big.Int, error) {
	input, err := c.abi.Pack("users", externalID)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack users: %w", err)
	}
	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("call users(%d): %w", externalID, err)
	}
	values, err := c.abi.Unpack("users", output)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack users(%d): %w", externalID, err)
	}
	if len(values) != 2 {
		return common.Address{}, nil, fmt.Errorf("users(%d): unexpected output arity %d", externalID, len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("users(%d): unexpected address type %T", externalID, values[0])
	}
	xp, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("users(%d): unexpected xp type %T", externalID, values[1])
	}
	return addr, xp, nil
}

// Register submits a userRegister call. The contract rejects ids that are
// already registered; callers must check Lookup first.
func (c *Client) Register(ctx context.Context, externalID uint64, addr common.Address, initialXP *big.Int) (common.Hash, error) {
	return c.submit(ctx, "userRegister", externalID, addr, initialXP)
}

// UpdateAddress submits a userUpdateAddress call. Callers should skip the
// call entirely when the recorded address already matches.
func (c *Client) UpdateAddress(ctx context.Context, externalID uint64, addr common.Address) (common.Hash, error) {
	return c.submit(ctx, "userUpdateAddress", externalID, addr)
}

// ReportXP submits a reportXp call. The recorded value is monotonically
// non-decreasing; callers must never pass a total below the recorded one.
func (c *Client) ReportXP(ctx context.Context, externalID uint64, newTotal *big.Int) (common.Hash, error) {
	return c.submit(ctx, "reportXp", externalID, newTotal)
}

// Unregister submits a userUnregister call.
func (c *Client) Unregister(ctx context.Context, externalID uint64) (common.Hash, error) {
	return c.submit(ctx, "userUnregister", externalID)
}

func (c *Client) submit(ctx context.Context, method string, args ...any) (common.Hash, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: input,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas for %s: %w", method, err)
	}

	tx := types.NewTransaction(nonce, c.contract, new(big.Int), gasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("submit %s: %w", method, err)
	}
	return signed.Hash(), nil
}
