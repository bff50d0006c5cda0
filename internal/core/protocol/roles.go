package protocol

import "github.com/bisq-network/trade-engine/internal/core/domain"

// The role tables below are the protocol's state machine, written as
// data: which message is legal in which phase and which ordered task list
// handles it. The same executor runs every table.

func phases(p ...domain.Phase) []domain.Phase { return p }

func makerTransitions() []transition {
	return []transition{
		{
			kind:   KindTakeOfferRequest,
			phases: phases(domain.PhaseInit),
			tasks:  []Task{taskProcessTakeOfferRequest},
		},
		{
			kind:   KindDepositTxRequest,
			phases: phases(domain.PhaseFeePublished),
			tasks: []Task{
				taskCheckDaoSync,
				taskProcessDepositTxRequest,
				taskApplyFilter,
				taskVerifyTakerFeePayment,
				taskSetLockTime,
				taskSelectDepositInputs,
				taskCreateMultiSigKey,
				taskCreateAndSignContract,
				taskCreateUnsignedDepositTx,
				taskCreateWarningTxs,
				taskCreateRedirectTxs,
				taskSignOwnWarningTx,
				taskSignPeerWarningTx,
				taskSignOwnRedirectTx,
				taskSignPeerRedirectTx,
				taskSendDepositTxResponse,
			},
		},
		{
			kind:   KindDepositTxAndSigs,
			phases: phases(domain.PhaseDepositNegotiated),
			tasks:  []Task{taskProcessDepositTxAndSigs, taskPublishDepositTx},
		},
	}
}

func takerTransitions() []transition {
	return []transition{
		{
			kind:   KindAck,
			ackOf:  KindTakeOfferRequest,
			phases: phases(domain.PhaseFeePublished),
			tasks: []Task{
				taskSelectDepositInputs,
				taskCreateMultiSigKey,
				taskSendDepositTxRequest,
			},
		},
		{
			kind:   KindDepositTxResponse,
			phases: phases(domain.PhaseFeePublished),
			tasks: []Task{
				taskProcessDepositTxResponse,
				taskVerifyAndSignContract,
				taskSignOwnWarningTx,
				taskSignPeerWarningTx,
				taskSignOwnRedirectTx,
				taskSignPeerRedirectTx,
				taskSignDepositTx,
				taskSendDepositTxAndSigs,
			},
		},
		{
			kind:   KindAck,
			ackOf:  KindDepositTxAndSigs,
			phases: phases(domain.PhaseDepositNegotiated),
			tasks:  []Task{taskApplyDepositTxSeen},
		},
	}
}

func buyerTransitions() []transition {
	return []transition{
		{
			kind:   KindPaymentReceived,
			phases: phases(domain.PhaseFiatSent),
			tasks:  []Task{taskProcessPaymentReceived},
		},
		{
			kind:   KindPayoutTxPublished,
			phases: phases(domain.PhaseFiatSent, domain.PhaseFiatReceived),
			tasks:  []Task{taskProcessPayoutTxPublished},
		},
	}
}

func sellerTransitions() []transition {
	return []transition{
		{
			kind:   KindPaymentStarted,
			phases: phases(domain.PhaseDepositPublished),
			tasks:  []Task{taskProcessPaymentStarted},
		},
	}
}

func cancelTransitions() []transition {
	return []transition{
		{
			kind:   KindCancelRequest,
			phases: phases(domain.PhaseDepositPublished, domain.PhaseFiatSent),
			tasks:  []Task{taskProcessCancelRequest},
		},
		{
			kind:   KindCancelResponse,
			phases: phases(domain.PhaseDepositPublished, domain.PhaseFiatSent),
			tasks:  []Task{taskProcessCancelResponse},
		},
	}
}

var buyerPaymentStarted = []Task{
	taskVerifyDepositConfirmed,
	taskCreateAndSignPayoutTx,
	taskSendPaymentStartedMessage,
}

var sellerPaymentReceived = []Task{
	taskApplyPaymentReceipt,
	taskSendPaymentReceivedMessage,
	taskCreateAndSignPayoutTx,
	taskFinalizeAndPublishPayoutTx,
	taskSendPayoutTxPublishedMessage,
}

var takerTakeOffer = []Task{
	taskCheckDaoSync,
	taskApplyFilter,
	taskVerifyMakerFeePayment,
	taskCreateTakerFeeTx,
	taskSendTakeOfferRequest,
}

var cancelRequested = []Task{
	taskCreateAndSignCancelPayout,
	taskSendCancelTradeRequest,
}

func escrowRole(role domain.Role) *Role {
	r := &Role{
		name:              role.String(),
		transitions:       cancelTransitions(),
		onCancelRequested: cancelRequested,
	}
	if role.IsMaker() {
		r.transitions = append(r.transitions, makerTransitions()...)
	} else {
		r.transitions = append(r.transitions, takerTransitions()...)
		r.onTakeOffer = takerTakeOffer
	}
	if role.IsBuyer() {
		r.transitions = append(r.transitions, buyerTransitions()...)
		r.onPaymentStarted = buyerPaymentStarted
	} else {
		r.transitions = append(r.transitions, sellerTransitions()...)
		r.onPaymentReceived = sellerPaymentReceived
	}
	return r
}

func swapRole(role domain.Role) *Role {
	if role.IsMaker() {
		return &Role{
			name: "swap " + role.String(),
			transitions: []transition{
				{
					kind:   KindTakeOfferRequest,
					phases: phases(domain.PhaseInit),
					tasks: []Task{
						taskProcessTakeOfferRequest,
						taskCheckDaoSync,
						taskApplyFilter,
						taskCreateSwapTx,
						taskSignSwapTx,
						taskSendSwapTxResponse,
					},
				},
				{
					kind:   KindDepositTxAndSigs,
					phases: phases(domain.PhaseDepositNegotiated),
					tasks:  []Task{taskProcessSwapTxPublished},
				},
			},
		}
	}
	return &Role{
		name: "swap " + role.String(),
		transitions: []transition{
			{
				kind:   KindDepositTxResponse,
				phases: phases(domain.PhaseInit),
				tasks: []Task{
					taskProcessSwapTxResponse,
					taskSignSwapTx,
					taskPublishSwapTx,
					taskSendSwapTxPublished,
				},
			},
		},
		onTakeOffer: []Task{
			taskCheckDaoSync,
			taskApplyFilter,
			taskSelectSwapInputs,
			taskSendTakeOfferRequest,
		},
	}
}

func roleTable(role domain.Role, bsqSwap bool) *Role {
	if bsqSwap {
		return swapRole(role)
	}
	return escrowRole(role)
}
