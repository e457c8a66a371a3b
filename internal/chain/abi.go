package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GatewayABI is the matchmaking contract that escrows bids and reports game
// lifecycle events.
const GatewayABI = `[
	{"type":"function","name":"play","stateMutability":"payable",
	 "inputs":[{"name":"rangeFrom","type":"uint256"},{"name":"rangeTo","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"GameCreated","anonymous":false,
	 "inputs":[{"name":"gameAddress","type":"address","indexed":true},
	           {"name":"alice","type":"address","indexed":true}]},
	{"type":"event","name":"GameStarted","anonymous":false,
	 "inputs":[{"name":"gameAddress","type":"address","indexed":true},
	           {"name":"alice","type":"address","indexed":false},
	           {"name":"bob","type":"address","indexed":false}]},
	{"type":"event","name":"GameFinished","anonymous":false,
	 "inputs":[{"name":"gameAddress","type":"address","indexed":true},
	           {"name":"winnerAddress","type":"address","indexed":false}]}
]`

// GameABI is a single game instance.
const GameABI = `[
	{"type":"function","name":"makeMove","stateMutability":"nonpayable",
	 "inputs":[{"name":"x","type":"uint256"},{"name":"y","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"getLockedValue","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getCurrentTurn","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"Move","anonymous":false,
	 "inputs":[{"name":"player","type":"address","indexed":true},
	           {"name":"x","type":"uint256","indexed":false},
	           {"name":"y","type":"uint256","indexed":false}]}
]`

var (
	gatewayABI = mustParseABI(GatewayABI)
	gameABI    = mustParseABI(GameABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
