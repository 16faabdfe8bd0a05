package connectivity

import "offlinequeue/internal/models"

// Sink receives the derived good-connection flag.
type Sink interface {
	SetConnectivity(good bool)
}

// StateSource is what Bind needs from a monitor.
type StateSource interface {
	CurrentState() models.ConnectivityState
	Subscribe(fn func(models.ConnectivityState)) (unsubscribe func())
}

// Bind primes sink with the current state and forwards every change. The
// sink is responsible for acting only on false to true edges.
func Bind(src StateSource, sink Sink) (unsubscribe func()) {
	unsubscribe = src.Subscribe(func(state models.ConnectivityState) {
		sink.SetConnectivity(state.GoodConnection())
	})
	sink.SetConnectivity(src.CurrentState().GoodConnection())
	return unsubscribe
}
