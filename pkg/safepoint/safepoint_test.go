package safepoint

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunStopsPollingThreads(t *testing.T) {
	s := New()
	var inside atomic.Bool
	var violations atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enter()
			defer s.Exit()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if inside.Load() {
					violations.Add(1)
				}
				s.Poll()
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 10; i++ {
		s.Run(func() {
			inside.Store(true)
			if !s.IsAtSafepoint() {
				t.Error("IsAtSafepoint false inside Run")
			}
			time.Sleep(time.Millisecond)
			inside.Store(false)
		})
	}
	close(stop)
	wg.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("%d threads ran during a safepoint", n)
	}
	if s.IsAtSafepoint() {
		t.Error("IsAtSafepoint true after Run")
	}
	if s.Count() != 10 {
		t.Errorf("Count = %d, want 10", s.Count())
	}
}

func TestBlockingLetsSafepointProceed(t *testing.T) {
	s := New()
	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		s.Enter()
		defer s.Exit()
		s.Blocking(func() {
			close(blocked)
			<-release
		})
	}()
	<-blocked

	done := make(chan struct{})
	go func() {
		s.Run(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("safepoint blocked by a thread in a blocking region")
	}
	close(release)
}
