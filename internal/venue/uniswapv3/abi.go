package uniswapv3

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const routerABIJSON = `[
  {
    "name": "exactInputSingle",
    "type": "function",
    "stateMutability": "payable",
    "inputs": [
      {
        "name": "params",
        "type": "tuple",
        "components": [
          {"name": "tokenIn", "type": "address"},
          {"name": "tokenOut", "type": "address"},
          {"name": "fee", "type": "uint24"},
          {"name": "recipient", "type": "address"},
          {"name": "deadline", "type": "uint256"},
          {"name": "amountIn", "type": "uint256"},
          {"name": "amountOutMinimum", "type": "uint256"},
          {"name": "sqrtPriceLimitX96", "type": "uint160"}
        ]
      }
    ],
    "outputs": [{"name": "amountOut", "type": "uint256"}]
  }
]`

const poolABIJSON = `[
  {
    "name": "slot0",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [
      {"name": "sqrtPriceX96", "type": "uint160"},
      {"name": "tick", "type": "int24"},
      {"name": "observationIndex", "type": "uint16"},
      {"name": "observationCardinality", "type": "uint16"},
      {"name": "observationCardinalityNext", "type": "uint16"},
      {"name": "feeProtocol", "type": "uint8"},
      {"name": "unlocked", "type": "bool"}
    ]
  },
  {
    "name": "fee",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint24"}]
  }
]`

var (
	abiOnce   sync.Once
	routerABI abi.ABI
	poolABI   abi.ABI
	abiErr    error
)

func loadABIs() error {
	abiOnce.Do(func() {
		routerABI, abiErr = abi.JSON(strings.NewReader(routerABIJSON))
		if abiErr != nil {
			return
		}
		poolABI, abiErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return abiErr
}
