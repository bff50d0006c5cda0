package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// EscrowScript is the plain 2-of-2 multisig both traders sign the deposit
// into. Key order is always maker first, matching the deterministic
// transaction layout.
func EscrowScript(makerPubKey, takerPubKey []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(makerPubKey).
		AddData(takerPubKey).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

// WarningScript guards the warning tx output: either both parties
// cooperate on a redirect, or the publisher claims alone after the CSV
// delay.
func WarningScript(
	makerPubKey, takerPubKey, claimPubKey []byte, lockTime uint32,
) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_2).
		AddData(makerPubKey).
		AddData(takerPubKey).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(lockTime)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(claimPubKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// payToWitnessScript wraps a witness script into its P2WSH output script.
func payToWitnessScript(witnessScript []byte, net *chaincfg.Params) ([]byte, error) {
	scriptHash := chainhash.HashB(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash, net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func payToAddress(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}
