package buyback

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

var ownersIndexKey = []byte("buyback/owners")

func balanceKey(owner, token common.Address) []byte {
	return []byte("buyback/balance/" + owner.Hex() + "/" + token.Hex())
}

func etherKey(owner common.Address) []byte {
	return []byte("buyback/ether/" + owner.Hex())
}

func configKey(owner common.Address) []byte {
	return []byte("buyback/config/" + owner.Hex())
}

func roundKey(sell, buy common.Address, round uint64) []byte {
	return []byte("buyback/round/" + sell.Hex() + "/" + buy.Hex() + "/" + strconv.FormatUint(round, 10))
}
