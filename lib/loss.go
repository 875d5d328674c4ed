package lib

import (
	"fmt"
	"math/rand"
	"sync"
)

// Loss profiles for outbound drop simulation. Applied on the endpoint write
// path so that dropped packets still sit in the sender's in-flight set and
// exercise the retransmission machinery.
const (
	LossProfileClean  = "clean"
	LossProfileRandom = "random"
	LossProfileBursty = "bursty"
)

type lossSimulator struct {
	mutex     sync.Mutex
	profile   string
	lossRate  float64 // per-packet drop probability for the random profile
	burstRate float64 // probability of entering a drop burst
	burstLeft int     // packets remaining in the current burst
	cooldown  bool    // at least one delivery separates consecutive bursts
	rng       *rand.Rand
}

func newLossSimulator(profile string, lossRate, burstRate float64, seed int64) (*lossSimulator, error) {
	switch profile {
	case "", LossProfileClean, LossProfileRandom, LossProfileBursty:
	default:
		return nil, fmt.Errorf("unknown loss profile %q", profile)
	}
	if profile == "" {
		profile = LossProfileClean
	}
	if lossRate <= 0 {
		lossRate = 0.08
	}
	if burstRate <= 0 {
		burstRate = 0.05
	}
	return &lossSimulator{
		profile:   profile,
		lossRate:  lossRate,
		burstRate: burstRate,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// setProfile reconfigures a live simulator. The mutex orders the swap
// against shouldDrop on the endpoint write path.
func (l *lossSimulator) setProfile(profile string, lossRate, burstRate float64, seed int64) error {
	fresh, err := newLossSimulator(profile, lossRate, burstRate, seed)
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.profile = fresh.profile
	l.lossRate = fresh.lossRate
	l.burstRate = fresh.burstRate
	l.burstLeft = 0
	l.cooldown = false
	l.rng = fresh.rng
	return nil
}

// shouldDrop decides the fate of one outbound packet.
func (l *lossSimulator) shouldDrop() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch l.profile {
	case LossProfileRandom:
		return l.rng.Float64() < l.lossRate
	case LossProfileBursty:
		if l.burstLeft > 0 {
			l.burstLeft--
			if l.burstLeft == 0 {
				l.cooldown = true
			}
			return true
		}
		if l.cooldown {
			l.cooldown = false
			return false
		}
		if l.rng.Float64() < l.burstRate {
			// drop 2 to 4 consecutive packets
			l.burstLeft = 1 + l.rng.Intn(3)
			return true
		}
		return false
	default:
		return false
	}
}
