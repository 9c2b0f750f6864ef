package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Function selectors for the stablecoin token and claim escrow contracts,
// Keccak-256 of the canonical signature truncated to four bytes.
var (
	selApprove       = selector("approve(address,uint256)")
	selDepositEscrow = selector("depositEscrow(uint256,uint256)")
	selApproveClaim  = selector("approveClaim(uint256,uint256,address)")
	selEscrowBalance = selector("escrowBalance(uint256)")
	selIsSettled     = selector("isSettled(uint256)")
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// packCall concatenates a selector with 32-byte argument words. All contract
// arguments used here are static types, so no offset encoding is needed.
func packCall(sel []byte, words ...[]byte) []byte {
	data := make([]byte, 0, len(sel)+32*len(words))
	data = append(data, sel...)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

func wordUint(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func wordAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}
