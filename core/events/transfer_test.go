package events

import (
	"math/big"
	"testing"

	"auctionchain/crypto"
)

func TestLedgerCreditEvent(t *testing.T) {
	var to [20]byte
	to[19] = 0x07
	evt := LedgerCredit{To: to, Amount: big.NewInt(25), Balance: big.NewInt(125)}.Event()
	if evt.Type != TypeLedgerCredit {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["to"] != crypto.AddressFromArray(to).String() {
		t.Fatalf("unexpected recipient %q", evt.Attributes["to"])
	}
	if evt.Attributes["amount"] != "25" || evt.Attributes["balance"] != "125" {
		t.Fatalf("unexpected amounts: %v", evt.Attributes)
	}
}

func TestBufferFlushesOnlyOnce(t *testing.T) {
	var buf Buffer
	var sink recorder
	buf.Emit(LedgerCredit{})
	buf.Emit(LedgerCredit{})
	if n := buf.Flush(Fanout{&sink, nil}); n != 2 {
		t.Fatalf("expected 2 flushed events, got %d", n)
	}
	if n := buf.Flush(&sink); n != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", n)
	}
	buf.Emit(LedgerCredit{})
	buf.Discard()
	if n := buf.Flush(&sink); n != 0 || len(sink) != 2 {
		t.Fatalf("discarded events leaked: flushed=%d total=%d", n, len(sink))
	}
}

type recorder []Event

func (r *recorder) Emit(evt Event) { *r = append(*r, evt) }
