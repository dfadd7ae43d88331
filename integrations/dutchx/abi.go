package dutchx

// exchangeABI covers the DutchX entry points used by the buyback engine.
const exchangeABI = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable",
	 "inputs":[{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"postSellOrder","stateMutability":"nonpayable",
	 "inputs":[{"name":"sellToken","type":"address"},{"name":"buyToken","type":"address"},{"name":"auctionIndex","type":"uint256"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimSellerFunds","stateMutability":"nonpayable",
	 "inputs":[{"name":"sellToken","type":"address"},{"name":"buyToken","type":"address"},{"name":"user","type":"address"},{"name":"auctionIndex","type":"uint256"}],
	 "outputs":[{"name":"returned","type":"uint256"},{"name":"frtsIssued","type":"uint256"}]},
	{"type":"function","name":"getAuctionIndex","stateMutability":"view",
	 "inputs":[{"name":"token1","type":"address"},{"name":"token2","type":"address"}],
	 "outputs":[{"name":"auctionIndex","type":"uint256"}]},
	{"type":"function","name":"getCurrentAuctionPrice","stateMutability":"view",
	 "inputs":[{"name":"sellToken","type":"address"},{"name":"buyToken","type":"address"},{"name":"auctionIndex","type":"uint256"}],
	 "outputs":[{"name":"num","type":"uint256"},{"name":"den","type":"uint256"}]}
]`

// erc20ABI is the ERC20 subset used for custody transfers.
const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`
