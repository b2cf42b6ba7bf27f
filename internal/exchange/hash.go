package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// packed 按 solidity abi.encodePacked 拼接 uint256 与 address
type packed []byte

func (p packed) uint256(v *big.Int) packed {
	return append(p, common.LeftPadBytes(v.Bytes(), 32)...)
}

func (p packed) uint256Hex(hex string) packed {
	return append(p, common.HexToHash(hex).Bytes()...)
}

func (p packed) uint256Dec(d decimal.Decimal) packed {
	return p.uint256(d.BigInt())
}

func (p packed) address(addr string) packed {
	return append(p, common.HexToAddress(addr).Bytes()...)
}

func (p packed) hash() []byte {
	return crypto.Keccak256(p)
}

// tradeHash keccak256(orderHash, amount, wallet, nonce)
func tradeHash(orderHash string, amount decimal.Decimal, wallet string, nonce int64) []byte {
	return packed(nil).
		uint256Hex(orderHash).
		uint256Dec(amount).
		address(wallet).
		uint256(big.NewInt(nonce)).
		hash()
}

// withdrawHash keccak256(contract, token, amount, wallet, nonce)
func withdrawHash(contract, token string, amount decimal.Decimal, wallet string, nonce int64) []byte {
	return packed(nil).
		address(contract).
		address(token).
		uint256Dec(amount).
		address(wallet).
		uint256(big.NewInt(nonce)).
		hash()
}

// orderHash keccak256(contract, tokenBuy, amountBuy, tokenSell, amountSell, expires, nonce, wallet)
func orderHash(contract, tokenBuy string, amountBuy decimal.Decimal, tokenSell string, amountSell decimal.Decimal, expires, nonce int64, wallet string) []byte {
	return packed(nil).
		address(contract).
		address(tokenBuy).
		uint256Dec(amountBuy).
		address(tokenSell).
		uint256Dec(amountSell).
		uint256(big.NewInt(expires)).
		uint256(big.NewInt(nonce)).
		address(wallet).
		hash()
}
