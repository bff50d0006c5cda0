package dao

import "github.com/bisq-network/trade-engine/pkg/mempool"

// MainnetDonationAddresses lists every address that has ever been voted in
// as the redirect transaction destination. Old addresses stay accepted so
// trades negotiated before a vote still validate.
func MainnetDonationAddresses() []string {
	return []string{
		"bc1qwqfns2rl4hqvhpv6ccsyu0c4wzknlmtqh2kjzs",
		"bc1qe4ufexg2v95yuj3fcpnf8qvg64pv7nm6jeyhcl",
	}
}

// MainnetParamSchedule returns the voted history of the fee parameters.
// Heights are the activation blocks of the vote result cycles; values
// before the first entry fall back to the genesis defaults.
func MainnetParamSchedule() map[mempool.Param][]ParamChange {
	return map[mempool.Param][]ParamChange{
		mempool.ParamDefaultMakerFeeBtc: {
			{ActivationHeight: 610_000, Value: 120_000},
			{ActivationHeight: 680_000, Value: 100_000},
		},
		mempool.ParamDefaultTakerFeeBtc: {
			{ActivationHeight: 610_000, Value: 175_000},
			{ActivationHeight: 680_000, Value: 150_000},
		},
		mempool.ParamDefaultMakerFeeBsq: {
			{ActivationHeight: 640_000, Value: 1_006},
		},
		mempool.ParamDefaultTakerFeeBsq: {
			{ActivationHeight: 640_000, Value: 7_045},
		},
	}
}
