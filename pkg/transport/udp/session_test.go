// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	lwm2merrors "github.com/absmach/lwm2m/pkg/errors"
)

func TestSessionManager(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sm := NewSessionManager(testLogger(), 2)
	a := netip.MustParseAddrPort("10.0.0.2:5683")
	b := netip.MustParseAddrPort("10.0.0.1:5683")

	s1, created, err := sm.GetOrCreate(a, now)
	if err != nil || !created || s1.ID == "" {
		t.Fatalf("GetOrCreate(a) = %+v, %v, %v", s1, created, err)
	}
	s2, created, err := sm.GetOrCreate(a, now.Add(time.Second))
	if err != nil || created || s2.ID != s1.ID {
		t.Fatalf("second GetOrCreate(a) = %+v, %v, %v", s2, created, err)
	}
	if s2.LastActivity != now.Add(time.Second) {
		t.Errorf("last activity = %v", s2.LastActivity)
	}

	if _, _, err := sm.GetOrCreate(b, now); err != nil {
		t.Fatalf("GetOrCreate(b): %v", err)
	}
	c := netip.MustParseAddrPort("10.0.0.3:5683")
	if _, _, err := sm.GetOrCreate(c, now); !errors.Is(err, lwm2merrors.ErrResourceExhausted) {
		t.Errorf("GetOrCreate past the limit = %v", err)
	}

	list := sm.List()
	if len(list) != 2 || list[0].Addr != b || list[1].Addr != a {
		t.Errorf("List() = %+v", list)
	}

	sm.Touch(b, now.Add(time.Minute))
	expired := sm.Expire(now.Add(time.Minute), 30*time.Second)
	if len(expired) != 1 || expired[0].Addr != a {
		t.Errorf("Expire() = %+v", expired)
	}
	if sm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", sm.Count())
	}
	if _, ok := sm.Get(a); ok {
		t.Error("expired session still present")
	}
}
