package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ERC-1155 surface: the cap read and the delivery call.
const erc1155JSON = `[
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "id", "type": "uint256"}
		],
		"outputs": [
			{"name": "", "type": "uint256"}
		]
	},
	{
		"name": "safeTransferFrom",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "id", "type": "uint256"},
			{"name": "amount", "type": "uint256"},
			{"name": "data", "type": "bytes"}
		],
		"outputs": []
	}
]`

var erc1155 = mustERC1155()

func mustERC1155() (parsed abi.ABI) {
	parsed, err := abi.JSON(strings.NewReader(erc1155JSON))
	if err != nil {
		panic("bad embedded ERC-1155 ABI: " + err.Error())
	}
	return parsed
}
