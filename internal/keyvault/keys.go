package keyvault

import (
	"crypto/ecdsa"
	"encoding/hex"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"AgentPay-Chain/internal/ledger"
)

// Secrets 是会话密钥的持久化形式：每条链一个不透明的编码字符串。
// Solana 使用 base58 编码的 64 字节密钥对，Ethereum 使用 32 字节私钥的十六进制。
type Secrets map[ledger.Chain]string

// Chains 返回已包含的链，按名称排序。
func (s Secrets) Chains() []ledger.Chain {
	chains := make([]ledger.Chain, 0, len(s))
	for chain := range s {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// SolanaKey 是会话在 Solana 上的 ed25519 密钥。
type SolanaKey struct {
	private solana.PrivateKey
}

// Chain 实现 ledger.SigningKey。
func (k *SolanaKey) Chain() ledger.Chain { return ledger.ChainSolana }

// Address 返回 base58 公钥。
func (k *SolanaKey) Address() string {
	if k == nil || len(k.private) == 0 {
		return ""
	}
	return k.private.PublicKey().String()
}

// PublicKey 返回 solana-go 公钥。
func (k *SolanaKey) PublicKey() solana.PublicKey {
	return k.private.PublicKey()
}

// PrivateKey 暴露私钥供 Solana 适配器签名使用。
func (k *SolanaKey) PrivateKey() solana.PrivateKey {
	return k.private
}

func (k *SolanaKey) secret() string {
	return k.private.String()
}

func (k *SolanaKey) zero() {
	for i := range k.private {
		k.private[i] = 0
	}
	k.private = nil
}

// EthereumKey 是会话在以太坊上的 secp256k1 密钥。
type EthereumKey struct {
	private *ecdsa.PrivateKey
}

// Chain 实现 ledger.SigningKey。
func (k *EthereumKey) Chain() ledger.Chain { return ledger.ChainEthereum }

// Address 返回 EIP-55 校验和地址。
func (k *EthereumKey) Address() string {
	if k == nil || k.private == nil {
		return ""
	}
	return crypto.PubkeyToAddress(k.private.PublicKey).Hex()
}

// PrivateKey 暴露私钥供以太坊适配器签名使用。
func (k *EthereumKey) PrivateKey() *ecdsa.PrivateKey {
	return k.private
}

func (k *EthereumKey) secret() string {
	return hex.EncodeToString(crypto.FromECDSA(k.private))
}

func (k *EthereumKey) zero() {
	if k.private == nil {
		return
	}
	if k.private.D != nil {
		words := k.private.D.Bits()
		for i := range words {
			words[i] = 0
		}
		k.private.D.SetInt64(0)
	}
	k.private = nil
}

var (
	_ ledger.SigningKey = (*SolanaKey)(nil)
	_ ledger.SigningKey = (*EthereumKey)(nil)
)
