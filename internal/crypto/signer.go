package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Custody instructions are signed as EIP-712 typed data so the custodian
// can verify them with standard wallet tooling.
var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	instructionTypeHash = ethcrypto.Keccak256(
		[]byte("CustodyInstruction(string action,string tradeId,string custodyRef,string asset,string amount,uint256 nonce,uint256 timestamp)"),
	)
)

const (
	domainName    = "P2PMatchCustody"
	domainVersion = "1"
)

// Instruction is one request to the custodian: fund, release or refund the
// escrow held for a trade.
type Instruction struct {
	Action     string `json:"action"`
	TradeID    string `json:"tradeId"`
	CustodyRef string `json:"custodyRef"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"` // decimal string, exactly as sent
	Nonce      uint64 `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

// Signer signs custody instructions with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
// chainID only namespaces the domain separator; nothing is sent on chain.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID),
	}, nil
}

// Address returns the address derived from the signer's key. The custodian
// registers it to authenticate our instructions.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignInstruction returns a 0x-prefixed 65-byte signature over in.
func (s *Signer) SignInstruction(in Instruction) (string, error) {
	digest := eip712Hash(s.domainSep, instructionHash(in))
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverInstructionSigner returns the address that produced sig over in.
func RecoverInstructionSigner(chainID int64, in Instruction, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}

	digest := eip712Hash(domainSeparator(chainID), instructionHash(in))
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

func instructionHash(in Instruction) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			instructionTypeHash,
			ethcrypto.Keccak256([]byte(in.Action)),
			ethcrypto.Keccak256([]byte(in.TradeID)),
			ethcrypto.Keccak256([]byte(in.CustodyRef)),
			ethcrypto.Keccak256([]byte(in.Asset)),
			ethcrypto.Keccak256([]byte(in.Amount)),
			bigIntTo32Bytes(new(big.Int).SetUint64(in.Nonce)),
			bigIntTo32Bytes(big.NewInt(in.Timestamp)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// IsTxHash reports whether ref looks like a 32-byte transaction hash.
func IsTxHash(ref string) bool {
	if !strings.HasPrefix(ref, "0x") || len(ref) != 2+2*common.HashLength {
		return false
	}
	_, err := hex.DecodeString(ref[2:])
	return err == nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
