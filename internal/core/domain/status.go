package domain

// Phase is the coarse, strictly forward-moving progression of a trade.
// Apart from the Canceled/Failed terminal overrides a trade may never
// return to an earlier phase.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseFeePublished
	PhaseDepositNegotiated
	PhaseDepositPublished
	PhaseFiatSent
	PhaseFiatReceived
	PhasePayoutPublished
	PhaseCompleted
	PhaseCanceled
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseInit:              "INIT",
	PhaseFeePublished:      "FEE_PUBLISHED",
	PhaseDepositNegotiated: "DEPOSIT_NEGOTIATED",
	PhaseDepositPublished:  "DEPOSIT_PUBLISHED",
	PhaseFiatSent:          "FIAT_SENT",
	PhaseFiatReceived:      "FIAT_RECEIVED",
	PhasePayoutPublished:   "PAYOUT_PUBLISHED",
	PhaseCompleted:         "COMPLETED",
	PhaseCanceled:          "CANCELED",
	PhaseFailed:            "FAILED",
}

func (p Phase) String() string { return phaseNames[p] }

// IsTerminal reports whether no further phase transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCanceled || p == PhaseFailed
}

// State is the fine-grained trade state. Every state maps onto exactly one
// Phase; transitioning to a state implies transitioning to its phase.
type State int

const (
	StatePreparation State = iota
	StateTakerPublishedFeeTx
	StateDepositNegotiated
	StateDepositTxPublished
	StateDepositTxSeen
	StateBuyerSentPaymentStarted
	StateSellerReceivedPaymentStarted
	StatePaymentReceiptConfirmed
	StateSellerPublishedPayoutTx
	StateBuyerReceivedPayoutTx
	StateSwapTxPublished
	StateWithdrawCompleted
	StateCanceled
	StateFailed
)

var statePhases = map[State]Phase{
	StatePreparation:                  PhaseInit,
	StateTakerPublishedFeeTx:          PhaseFeePublished,
	StateDepositNegotiated:            PhaseDepositNegotiated,
	StateDepositTxPublished:           PhaseDepositPublished,
	StateDepositTxSeen:                PhaseDepositPublished,
	StateBuyerSentPaymentStarted:      PhaseFiatSent,
	StateSellerReceivedPaymentStarted: PhaseFiatSent,
	StatePaymentReceiptConfirmed:      PhaseFiatReceived,
	StateSellerPublishedPayoutTx:      PhasePayoutPublished,
	StateBuyerReceivedPayoutTx:        PhasePayoutPublished,
	StateSwapTxPublished:              PhasePayoutPublished,
	StateWithdrawCompleted:            PhaseCompleted,
	StateCanceled:                     PhaseCanceled,
	StateFailed:                       PhaseFailed,
}

// Phase returns the coarse phase the state belongs to.
func (s State) Phase() Phase { return statePhases[s] }

// DisputeState tracks the dispute lifecycle independently of the trade
// phase.
type DisputeState int

const (
	NoDispute DisputeState = iota
	DisputeRequested
	DisputeStartedByPeer
	DisputeClosed
)

// Role is the local node's position in the trade.
type Role int

const (
	RoleBuyerAsMaker Role = iota
	RoleBuyerAsTaker
	RoleSellerAsMaker
	RoleSellerAsTaker
)

var roleNames = map[Role]string{
	RoleBuyerAsMaker:  "buyer/maker",
	RoleBuyerAsTaker:  "buyer/taker",
	RoleSellerAsMaker: "seller/maker",
	RoleSellerAsTaker: "seller/taker",
}

func (r Role) String() string { return roleNames[r] }

// IsMaker reports whether the local node posted the original offer.
func (r Role) IsMaker() bool { return r == RoleBuyerAsMaker || r == RoleSellerAsMaker }

// IsBuyer reports whether the local node buys BTC (and therefore sends the
// fiat payment).
func (r Role) IsBuyer() bool { return r == RoleBuyerAsMaker || r == RoleBuyerAsTaker }
