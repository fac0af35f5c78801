package provision

import (
	"github.com/golang/glog"
)

// Status is a snapshot of the companion as reported to publishers.
type Status struct {
	State           string `json:"state"`
	Ready           bool   `json:"ready"`
	WifiConnected   bool   `json:"wifi_connected"`
	BTEnabled       bool   `json:"bt_enabled"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Failures        int    `json:"failures,omitempty"`
	Degraded        bool   `json:"degraded"`
	Message         string `json:"message,omitempty"`
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	bits := o.events.Get()
	ready := o.IsReady()

	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:           o.state.String(),
		Ready:           ready,
		WifiConnected:   bits&BitWifiConnected != 0,
		BTEnabled:       bits&BitBTEnabled != 0,
		FirmwareVersion: o.version,
		Failures:        o.failures,
		Degraded:        o.degraded,
	}
	if o.degraded {
		st.Message = "companion chip offline"
	}
	return st
}

// publish sends the snapshot when it differs from the last one sent.
func (o *Orchestrator) publish() {
	if o.pub == nil {
		return
	}
	st := o.Status()

	o.mu.Lock()
	if o.published != nil && *o.published == st {
		o.mu.Unlock()
		return
	}
	o.published = &st
	o.mu.Unlock()

	if err := o.pub.Publish(st); err != nil {
		glog.Warningf("provision: failed to publish status: %v", err)
	}
}
