package interrupt

import (
	"sync"
	"testing"
	"time"
)

func TestController_RequestAndCheck(t *testing.T) {
	c := NewController(2, nil)
	if c.Check() != nil {
		t.Fatal("fresh controller reports an interrupt")
	}

	st := c.Request(TypeSoft, ReasonUserRequest, "stop please")
	if !st.Requested || st.Type != TypeSoft || st.Count != 1 {
		t.Fatalf("state = %+v, want requested soft count=1", st)
	}

	got := c.Check()
	if got == nil || got.Type != TypeSoft || got.Message != "stop please" {
		t.Fatalf("Check = %+v, want soft interrupt", got)
	}
}

func TestController_SoftEscalation(t *testing.T) {
	c := NewController(2, nil)

	first := c.Request(TypeSoft, ReasonUserRequest, "")
	second := c.Request(TypeSoft, ReasonUserRequest, "")
	if first.Type != TypeSoft || second.Type != TypeSoft {
		t.Fatalf("first two requests escalated early: %v, %v", first.Type, second.Type)
	}
	if second.Count != 2 {
		t.Fatalf("second count = %d, want 2", second.Count)
	}

	third := c.Request(TypeSoft, ReasonUserRequest, "")
	if third.Type != TypeHard {
		t.Fatalf("third request type = %v, want hard", third.Type)
	}
	if third.Count != 3 {
		t.Fatalf("third count = %d, want 3", third.Count)
	}

	c.Reset()
	if c.Count() != 0 {
		t.Fatalf("count after reset = %d, want 0", c.Count())
	}
	if st := c.state.Load(); st.Type != TypeNone {
		t.Fatalf("type after reset = %v, want none", st.Type)
	}
	if c.Check() != nil {
		t.Fatal("Check after reset reports an interrupt")
	}
}

func TestController_HardRequestStaysHard(t *testing.T) {
	c := NewController(5, nil)
	st := c.Request(TypeHard, ReasonShutdown, "going down")
	if st.Type != TypeHard || st.Reason != ReasonShutdown {
		t.Fatalf("state = %+v, want hard shutdown", st)
	}
}

func TestController_WaitTimesOut(t *testing.T) {
	c := NewController(2, nil)
	start := time.Now()
	if c.Wait(20 * time.Millisecond) {
		t.Fatal("Wait returned true with no interrupt")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Wait returned before timeout")
	}
}

func TestController_WaitWakesOnRequest(t *testing.T) {
	c := NewController(2, nil)
	done := make(chan bool, 1)
	go func() {
		done <- c.Wait(2 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Request(TypeSoft, ReasonUserRequest, "")
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Wait returned false after request")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake")
	}
}

func TestController_WaitAfterResetRearms(t *testing.T) {
	c := NewController(2, nil)
	c.Request(TypeSoft, ReasonUserRequest, "")
	c.Reset()
	if c.Wait(20 * time.Millisecond) {
		t.Fatal("Wait observed stale signal after reset")
	}
}

func TestController_CallbackPanicIsolated(t *testing.T) {
	c := NewController(2, nil)
	var ran bool
	c.OnInterrupt(func(State) { panic("boom") })
	c.OnInterrupt(func(st State) { ran = st.Requested })

	c.Request(TypeSoft, ReasonError, "callback test")
	if !ran {
		t.Fatal("second callback did not run after first panicked")
	}
	if c.Check() == nil {
		t.Fatal("interrupt lost after callback panic")
	}
}

func TestController_ConcurrentRequests(t *testing.T) {
	c := NewController(2, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Request(TypeSoft, ReasonUserRequest, "")
		}()
	}
	wg.Wait()
	if c.Count() != 8 {
		t.Fatalf("count = %d, want 8", c.Count())
	}
	st := c.Check()
	if st == nil {
		t.Fatal("no interrupt recorded")
	}
}
