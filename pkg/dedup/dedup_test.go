// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dedup

import (
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/session"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var start = time.Unix(1000, 0)

func TestCheckIdempotence(t *testing.T) {
	table := New(Config{})
	peer := session.Name("peer-a")

	dup, _ := table.Check(42, peer, start)
	if dup {
		t.Fatal("first sighting reported as duplicate")
	}
	table.SetResponseCode(42, peer, codes.Changed)

	for _, offset := range []time.Duration{0, time.Second, ExchangeLifetime - time.Second} {
		dup, code := table.Check(42, peer, start.Add(offset))
		if !dup {
			t.Errorf("sighting at +%v not reported as duplicate", offset)
		}
		if code != codes.Changed {
			t.Errorf("replayed code = %v, want %v", code, codes.Changed)
		}
	}
}

func TestCheckDistinguishesPeers(t *testing.T) {
	table := New(Config{})

	if dup, _ := table.Check(1, session.Name("a"), start); dup {
		t.Fatal("first sighting from a reported as duplicate")
	}
	if dup, _ := table.Check(1, session.Name("b"), start); dup {
		t.Error("same message ID from another peer reported as duplicate")
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}
}

func TestExpire(t *testing.T) {
	table := New(Config{})
	peer := session.Name("peer")

	table.Check(1, peer, start)
	table.Check(2, peer, start.Add(10*time.Second))

	next := table.Expire(start.Add(time.Second))
	if want := start.Add(ExchangeLifetime); !next.Equal(want) {
		t.Errorf("next deadline = %v, want %v", next, want)
	}

	next = table.Expire(start.Add(ExchangeLifetime))
	if table.Len() != 1 {
		t.Fatalf("Len() = %d after first expiry, want 1", table.Len())
	}
	if want := start.Add(10*time.Second + ExchangeLifetime); !next.Equal(want) {
		t.Errorf("next deadline = %v, want %v", next, want)
	}

	if dup, _ := table.Check(1, peer, start.Add(ExchangeLifetime)); dup {
		t.Error("expired message ID still reported as duplicate")
	}

	table.Expire(start.Add(2 * ExchangeLifetime))
	if next := table.Expire(start.Add(3 * ExchangeLifetime)); !next.IsZero() {
		t.Errorf("empty table returned deadline %v", next)
	}
}

func TestCheckFullTableFailsSafe(t *testing.T) {
	table := New(Config{MaxEntries: 2})
	peer := session.Name("peer")

	table.Check(1, peer, start)
	table.Check(2, peer, start)

	dup, code := table.Check(3, peer, start)
	if !dup {
		t.Error("message accepted into full table")
	}
	if code != codes.Empty {
		t.Errorf("code = %v, want empty", code)
	}
}

func TestRemovePeer(t *testing.T) {
	table := New(Config{})
	table.Check(1, session.Name("a"), start)
	table.Check(2, session.Name("b"), start)

	table.RemovePeer(session.Name("a"))
	if table.Contains(1, session.Name("a")) {
		t.Error("entry of removed peer still present")
	}
	if !table.Contains(2, session.Name("b")) {
		t.Error("entry of other peer removed")
	}
}
