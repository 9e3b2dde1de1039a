package consolidation

import "time"

// Consolidator is a background loop owned by the server. Stop only
// signals; Wait joins. The split lets the server signal every
// consolidator, stop the monitor, and then wait, so a slow consolidation
// pass never delays the monitor shutdown.
type Consolidator interface {
	Start()
	Stop()
	Wait()
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// sleepStop sleeps for d unless the stop channel closes first. It
// reports false when interrupted.
func sleepStop(d time.Duration, stopCh <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	}
}
