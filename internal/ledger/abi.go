package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// routerABI covers the router and oracle entry points the agent touches.
const routerABI = `[
  {"type":"function","name":"getNextOrderId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getNextPositionId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getOrder","stateMutability":"view","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[
    {"name":"id","type":"uint256"},
    {"name":"user","type":"address"},
    {"name":"tokenIn","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"targetPrice","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"},
    {"name":"orderType","type":"uint8"},
    {"name":"isLong","type":"bool"},
    {"name":"executed","type":"bool"},
    {"name":"createdAt","type":"uint256"}]}]},
  {"type":"function","name":"getPosition","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[
    {"name":"id","type":"uint256"},
    {"name":"user","type":"address"},
    {"name":"token","type":"address"},
    {"name":"positionType","type":"uint8"},
    {"name":"collateral","type":"uint256"},
    {"name":"leverage","type":"uint256"},
    {"name":"entryPrice","type":"uint256"},
    {"name":"isOpen","type":"bool"}]}]},
  {"type":"function","name":"getPrice","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"shouldExecuteOrder","stateMutability":"view","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"version","stateMutability":"pure","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"selfExecuteOrder","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"liquidatePosition","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateOraclePrice","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"price","type":"uint256"}],"outputs":[]}
]`

const accessControlABI = `[
  {"type":"function","name":"emergencyStop","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

// routerOrder mirrors the getOrder tuple; field order and names follow the ABI.
type routerOrder struct {
	Id           *big.Int
	User         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	TargetPrice  *big.Int
	MinAmountOut *big.Int
	OrderType    uint8
	IsLong       bool
	Executed     bool
	CreatedAt    *big.Int
}

// routerPosition mirrors the getPosition tuple.
type routerPosition struct {
	Id           *big.Int
	User         common.Address
	Token        common.Address
	PositionType uint8
	Collateral   *big.Int
	Leverage     *big.Int
	EntryPrice   *big.Int
	IsOpen       bool
}
