package lib

import (
	"testing"
)

func TestCleanProfileNeverDrops(t *testing.T) {
	sim, err := newLossSimulator(LossProfileClean, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		if sim.shouldDrop() {
			t.Fatal("clean profile dropped a packet")
		}
	}
}

func TestRandomProfileDropsNearConfiguredRate(t *testing.T) {
	sim, err := newLossSimulator(LossProfileRandom, 0.08, 0, 42)
	if err != nil {
		t.Fatal(err)
	}

	const trials = 20000
	drops := 0
	for i := 0; i < trials; i++ {
		if sim.shouldDrop() {
			drops++
		}
	}

	rate := float64(drops) / trials
	if rate < 0.05 || rate > 0.11 {
		t.Errorf("observed drop rate %.3f, want around 0.08", rate)
	}
}

func TestBurstyProfileDropsInRuns(t *testing.T) {
	sim, err := newLossSimulator(LossProfileBursty, 0, 0.05, 7)
	if err != nil {
		t.Fatal(err)
	}

	// measure the length of every consecutive drop run
	runLengths := []int{}
	current := 0
	for i := 0; i < 20000; i++ {
		if sim.shouldDrop() {
			current++
		} else if current > 0 {
			runLengths = append(runLengths, current)
			current = 0
		}
	}

	if len(runLengths) == 0 {
		t.Fatal("bursty profile produced no drops")
	}
	for _, length := range runLengths {
		if length < 2 || length > 4 {
			t.Errorf("burst of length %d, want 2 to 4", length)
		}
	}
}

func TestUnknownProfileRejected(t *testing.T) {
	if _, err := newLossSimulator("chaotic", 0, 0, 0); err == nil {
		t.Error("expected an error for an unknown profile")
	}
}
