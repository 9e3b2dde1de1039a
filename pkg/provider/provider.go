package provider

import (
	"github.com/ypcloud/uptimed/pkg/service"
)

// Provider discovers services at runtime and feeds them to the monitor
// under its own bucket name. Start launches the discovery loop; Stop
// interrupts it and blocks until it has exited. Stop must only be
// called after Start.
type Provider interface {
	Name() string
	Start()
	Stop()
}

// Fleet is the monitor surface providers feed. Satisfied by
// *monitor.Monitor.
type Fleet interface {
	Add(svc service.Service, provider string)
	Remove(svc service.Service, provider string)
	RemoveProvider(provider string)
	RemoveMatching(provider string, match func(service.Service) bool)
}
