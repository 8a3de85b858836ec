package keyvault

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

const (
	// CodeMalformedSecret 表示持久化的密钥无法解析，调用方应重新生成。
	CodeMalformedSecret xerrors.Code = "MALFORMED_SECRET"
	// CodeKeyGeneration 表示随机源失败，属于致命错误。
	CodeKeyGeneration xerrors.Code = "KEY_GENERATION_FAILED"
	// CodeKeysErased 表示密钥已被擦除。
	CodeKeysErased xerrors.Code = "KEYS_ERASED"
)

func init() {
	xerrors.Register(CodeMalformedSecret, xerrors.Attributes{
		Message:  "malformed session secret",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategorySecret,
	})
	xerrors.Register(CodeKeyGeneration, xerrors.Attributes{
		Message:  "session key generation failed",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
	xerrors.Register(CodeKeysErased, xerrors.Attributes{
		Message:  "session keys erased",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategorySecurity,
	})
}

// SessionKeys 持有一个会话在所有支持链上的密钥。要么每条链恰好一把，要么没有。
type SessionKeys struct {
	mu       sync.RWMutex
	solana   *SolanaKey
	ethereum *EthereumKey
}

// Generate 为所有支持的链同时生成新的随机密钥。
func Generate() (*SessionKeys, error) {
	solKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyGeneration, err, "生成 Solana 会话密钥失败")
	}
	ethKey, err := crypto.GenerateKey()
	if err != nil {
		zeroBytes(solKey)
		return nil, xerrors.Wrap(CodeKeyGeneration, err, "生成以太坊会话密钥失败")
	}
	return &SessionKeys{
		solana:   &SolanaKey{private: solKey},
		ethereum: &EthereumKey{private: ethKey},
	}, nil
}

// Restore 从持久化的 Secrets 还原会话密钥。缺少任意一条链或编码无效时返回
// MalformedSecret，不会返回只包含部分链的会话。
func Restore(secrets Secrets) (*SessionKeys, error) {
	if len(secrets) == 0 {
		return nil, xerrors.New(CodeMalformedSecret, "会话密钥为空")
	}
	for chain := range secrets {
		if _, ok := ledger.ParseChain(string(chain)); !ok {
			return nil, xerrors.New(CodeMalformedSecret, fmt.Sprintf("未知链 %s 的会话密钥", chain))
		}
	}

	solKey, err := decodeSolana(secrets[ledger.ChainSolana])
	if err != nil {
		return nil, err
	}
	ethKey, err := decodeEthereum(secrets[ledger.ChainEthereum])
	if err != nil {
		zeroBytes(solKey)
		return nil, err
	}
	return &SessionKeys{
		solana:   &SolanaKey{private: solKey},
		ethereum: &EthereumKey{private: ethKey},
	}, nil
}

// Erase 尽力清零内存中的私钥材料。重复调用是安全的。
func Erase(keys *SessionKeys) {
	if keys == nil {
		return
	}
	keys.mu.Lock()
	defer keys.mu.Unlock()
	if keys.solana != nil {
		keys.solana.zero()
		keys.solana = nil
	}
	if keys.ethereum != nil {
		keys.ethereum.zero()
		keys.ethereum = nil
	}
}

// Erased 判断密钥是否已被擦除。
func (k *SessionKeys) Erased() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.solana == nil && k.ethereum == nil
}

// Secrets 导出可持久化的密钥编码。
func (k *SessionKeys) Secrets() (Secrets, error) {
	if k == nil {
		return nil, xerrors.New(CodeKeysErased, "会话密钥已擦除")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.solana == nil || k.ethereum == nil {
		return nil, xerrors.New(CodeKeysErased, "会话密钥已擦除")
	}
	return Secrets{
		ledger.ChainSolana:   k.solana.secret(),
		ledger.ChainEthereum: k.ethereum.secret(),
	}, nil
}

// Key 返回指定链的签名密钥。返回的密钥在 Erase 之后不可再使用，调用方需自行与擦除串行化。
func (k *SessionKeys) Key(chain ledger.Chain) (ledger.SigningKey, error) {
	if k == nil {
		return nil, xerrors.New(CodeKeysErased, "会话密钥已擦除")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keyLocked(chain)
}

// Address 在读锁内根据密钥计算指定链上的地址，可与 Erase 并发调用。
func (k *SessionKeys) Address(chain ledger.Chain) (string, error) {
	if k == nil {
		return "", xerrors.New(CodeKeysErased, "会话密钥已擦除")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, err := k.keyLocked(chain)
	if err != nil {
		return "", err
	}
	return key.Address(), nil
}

func (k *SessionKeys) keyLocked(chain ledger.Chain) (ledger.SigningKey, error) {
	switch chain {
	case ledger.ChainSolana:
		if k.solana != nil {
			return k.solana, nil
		}
	case ledger.ChainEthereum:
		if k.ethereum != nil {
			return k.ethereum, nil
		}
	default:
		return nil, xerrors.New(ledger.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %s", chain))
	}
	return nil, xerrors.New(CodeKeysErased, "会话密钥已擦除")
}

// Addresses 返回所有链上的地址。
func (k *SessionKeys) Addresses() map[ledger.Chain]string {
	out := make(map[ledger.Chain]string, 2)
	for _, chain := range ledger.SupportedChains() {
		if addr, err := k.Address(chain); err == nil {
			out[chain] = addr
		}
	}
	return out
}

func decodeSolana(encoded string) (solana.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, xerrors.New(CodeMalformedSecret, "缺少 Solana 会话密钥")
	}
	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedSecret, err, "Solana 会话密钥不是有效的 base58")
	}
	if len(key) != ed25519.PrivateKeySize {
		zeroBytes(key)
		return nil, xerrors.New(CodeMalformedSecret, fmt.Sprintf("Solana 会话密钥长度错误: %d", len(key)))
	}
	// 64 字节密钥对的后 32 字节必须是前 32 字节种子推导出的公钥。
	expected := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	defer zeroBytes(expected)
	if !bytes.Equal(expected[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		zeroBytes(key)
		return nil, xerrors.New(CodeMalformedSecret, "Solana 会话密钥公钥不匹配")
	}
	return key, nil
}

func decodeEthereum(encoded string) (*ecdsa.PrivateKey, error) {
	encoded = strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	if encoded == "" {
		return nil, xerrors.New(CodeMalformedSecret, "缺少以太坊会话密钥")
	}
	if _, err := hex.DecodeString(encoded); err != nil {
		return nil, xerrors.Wrap(CodeMalformedSecret, err, "以太坊会话密钥不是有效的十六进制")
	}
	key, err := crypto.HexToECDSA(encoded)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedSecret, err, "以太坊会话密钥无效")
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RestoreKey 还原单条链上的一把密钥，用于资金签名器加载用户主密钥。
func RestoreKey(chain ledger.Chain, secret string) (ledger.SigningKey, error) {
	switch chain {
	case ledger.ChainSolana:
		key, err := decodeSolana(secret)
		if err != nil {
			return nil, err
		}
		return &SolanaKey{private: key}, nil
	case ledger.ChainEthereum:
		key, err := decodeEthereum(secret)
		if err != nil {
			return nil, err
		}
		return &EthereumKey{private: key}, nil
	default:
		return nil, xerrors.New(ledger.CodeUnsupportedChain, fmt.Sprintf("不支持的链: %s", chain))
	}
}

// EraseKey 清零由 RestoreKey 返回的密钥。
func EraseKey(key ledger.SigningKey) {
	switch k := key.(type) {
	case *SolanaKey:
		if k != nil {
			k.zero()
		}
	case *EthereumKey:
		if k != nil {
			k.zero()
		}
	}
}
