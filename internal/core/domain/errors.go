package domain

import "errors"

var (
	// ErrPhaseRegression is thrown when a state change would move the
	// trade back to an earlier phase.
	ErrPhaseRegression = errors.New("trade phase can only advance")
	// ErrTradeTerminal is thrown when mutating a completed, canceled or
	// failed trade.
	ErrTradeTerminal = errors.New("trade is in a terminal phase")
	// ErrPeerPubKeyRingNotSet ...
	ErrPeerPubKeyRingNotSet = errors.New("trading peer pub key ring is not set")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeAlreadyExists ...
	ErrTradeAlreadyExists = errors.New("trade already exists")
)
