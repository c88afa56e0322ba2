package ws

import (
	"testing"

	"golang.org/x/time/rate"

	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
)

func TestConn_SendClosesWhenFull(t *testing.T) {
	c := newConn("c1", nil, auth.Anonymous, 2, rate.NewLimiter(rate.Inf, 0))
	msg := broadcast.Message{Event: broadcast.EventStateUpdate}

	for i := range 2 {
		if !c.Send(msg) {
			t.Fatalf("Send #%d failed on a buffer with room", i)
		}
	}
	if c.Send(msg) {
		t.Fatal("Send on a full buffer reported success")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("full buffer did not close the connection")
	}
	if c.Send(msg) {
		t.Error("Send after close reported success")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c := newConn("c1", nil, auth.Anonymous, 1, rate.NewLimiter(rate.Inf, 0))
	c.Close()
	c.Close()
	if c.ID() != "c1" {
		t.Errorf("ID() = %q, want c1", c.ID())
	}
}
