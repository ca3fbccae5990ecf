// Package payment provides the payment collaborators of the job
// protocol: invoice generation (Invoicer, injected by the embedder)
// and locally verified proof-of-payment checks for the lightning
// protocol. Payment status is a best-effort, locally verified ledger;
// nothing here provides strong consistency.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// Protocol and currency defaults used across the job protocol.
const (
	CurrencyBitcoin   = "bitcoin"
	ProtocolLightning = "lightning"
)

var (
	// ErrAmountMismatch means the proof's claimed amount does not match
	// the invoice amount.
	ErrAmountMismatch = errors.New("payment: amount does not match invoice")

	// ErrBadPreimage means the supplied preimage does not hash to the
	// invoice payment hash.
	ErrBadPreimage = errors.New("payment: preimage does not match payment hash")

	// ErrUnsupportedProtocol means the proof names a settlement
	// protocol this node cannot verify.
	ErrUnsupportedProtocol = errors.New("payment: unsupported protocol")
)

// Invoicer generates a payment request (bolt11 string for lightning)
// for the given amount in millisatoshis. Injected by the embedder;
// typically backed by a wallet or LSP connection.
type Invoicer func(ctx context.Context, amountMsat uint64, currency, protocol string) (string, error)

// Invoice is the subset of a decoded bolt11 invoice the verifier needs.
type Invoice struct {
	MilliSats   uint64
	PaymentHash string // hex
}

// Decoder decodes a bolt11 payment request. Swappable in tests.
type Decoder func(bolt11 string) (Invoice, error)

// DecodeBolt11 is the production Decoder.
func DecodeBolt11(bolt11 string) (Invoice, error) {
	inv, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return Invoice{}, fmt.Errorf("decode bolt11: %w", err)
	}
	if inv.MSatoshi < 0 {
		return Invoice{}, fmt.Errorf("decode bolt11: negative amount")
	}
	return Invoice{
		MilliSats:   uint64(inv.MSatoshi),
		PaymentHash: inv.PaymentHash,
	}, nil
}

// Verifier validates payment proofs against their invoices.
type Verifier struct {
	decode Decoder
}

// NewVerifier creates a Verifier. A nil decoder uses DecodeBolt11.
func NewVerifier(decode Decoder) *Verifier {
	if decode == nil {
		decode = DecodeBolt11
	}
	return &Verifier{decode: decode}
}

// Verify checks a lightning payment proof: the claimed amount must
// equal the invoice's satoshi amount expressed in millisatoshis, and
// the preimage must hash (sha256) to the invoice payment hash.
func (v *Verifier) Verify(protocol, invoice string, amountMsat uint64, preimageHex string) error {
	if protocol != ProtocolLightning {
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}

	inv, err := v.decode(invoice)
	if err != nil {
		return err
	}

	satoshis := inv.MilliSats / 1000
	if amountMsat != satoshis*1000 {
		return fmt.Errorf("%w: claimed %d msat, invoice %d sat", ErrAmountMismatch, amountMsat, satoshis)
	}

	preimage, err := hex.DecodeString(preimageHex)
	if err != nil {
		return fmt.Errorf("%w: preimage is not hex", ErrBadPreimage)
	}
	sum := sha256.Sum256(preimage)
	if hex.EncodeToString(sum[:]) != inv.PaymentHash {
		return ErrBadPreimage
	}
	return nil
}
