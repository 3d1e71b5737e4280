package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// InstanceState describes where a rented instance is in its lifecycle.
// Transitions are driven exclusively by the scheduler.
type InstanceState string

const (
	InstanceRequested    InstanceState = "requested"
	InstanceProvisioning InstanceState = "provisioning"
	InstanceReady        InstanceState = "ready"
	InstanceRegistered   InstanceState = "registered"
	InstanceDraining     InstanceState = "draining"
	InstanceDestroyed    InstanceState = "destroyed"
)

// Live reports whether the instance still exists (and bills) on the
// marketplace from the scheduler's point of view.
func (s InstanceState) Live() bool {
	switch s {
	case InstanceProvisioning, InstanceReady, InstanceRegistered, InstanceDraining:
		return true
	}
	return false
}

// Instance represents a rented GPU compute unit on the marketplace.
type Instance struct {
	// InstanceID is the opaque marketplace contract identifier.
	InstanceID string `json:"instance_id"`

	// OfferID is the marketplace offer the instance was created from.
	OfferID string `json:"offer_id"`

	// Host is the publicly reachable address of the machine.
	Host string `json:"host"`

	// SSHPort is the externally mapped SSH port.
	SSHPort int `json:"ssh_port"`

	// InternalPort is the port the application listens on inside the
	// container. ExternalPort is the marketplace-assigned mapping for it;
	// the two may differ and the mapping must be resolved, not assumed.
	InternalPort int `json:"internal_port"`
	ExternalPort int `json:"external_port"`

	// GPUName and GPUCount describe the rented hardware.
	GPUName  string `json:"gpu_name"`
	GPUCount int    `json:"gpu_count"`

	// PricePerHour is the agreed marketplace rate in USD.
	PricePerHour float64 `json:"price_per_hour"`

	State     InstanceState `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	ReadyAt   *time.Time    `json:"ready_at,omitempty"`
}

// AppBaseURL returns the externally reachable base URL of the application
// inside the instance. It requires a resolved external port.
func (i *Instance) AppBaseURL() string {
	port := i.ExternalPort
	if port == 0 {
		port = i.InternalPort
	}
	return fmt.Sprintf("http://%s:%d", i.Host, port)
}

func (i *Instance) String() string {
	return fmt.Sprintf("instance %s: %dx %s @ $%.3f/hr (%s)",
		i.InstanceID, i.GPUCount, i.GPUName, i.PricePerHour, i.State)
}

// Offer is a rentable machine returned by a marketplace search, sorted by
// price by the client.
type Offer struct {
	ID           string  `json:"id"`
	GPUName      string  `json:"gpu_name"`
	GPUCount     int     `json:"num_gpus"`
	GPURAMGb     int     `json:"gpu_ram"`
	PricePerHour float64 `json:"dph_total"`
	DiskSpaceGb  int     `json:"disk_space"`
	InetUpMbps   float64 `json:"inet_up"`
	InetDownMbps float64 `json:"inet_down"`
	HostID       int64   `json:"host_id"`
	Verified     bool    `json:"verified"`
}

// TotalVRAMGb is the aggregate VRAM across all GPUs of the offer.
func (o *Offer) TotalVRAMGb() int {
	return o.GPURAMGb * o.GPUCount
}

func (o *Offer) String() string {
	return fmt.Sprintf("offer %s: %dx %s (%dGB) @ $%.3f/hr",
		o.ID, o.GPUCount, o.GPUName, o.GPURAMGb, o.PricePerHour)
}

// InstanceStatus is the raw marketplace status payload for a running
// instance. Port mapping information in here is unreliable: any of the
// fields may be absent depending on provider and machine.
type InstanceStatus struct {
	// ID is numeric on the wire; json.Number keeps it lossless.
	ID           json.Number `json:"id"`
	ActualStatus string      `json:"actual_status"`
	SSHHost      string      `json:"ssh_host"`
	SSHPort      int         `json:"ssh_port"`
	Label        string      `json:"label"`
	// Ports is the docker-style port map, e.g. "5070/tcp" -> bindings.
	Ports map[string][]PortBinding `json:"ports"`
	// ExtraEnv carries provider-injected environment pairs, e.g.
	// ["VAST_TCP_PORT_5070", "10087"].
	ExtraEnv [][]string `json:"extra_env"`
	// HostNetworking indicates the container shares the host network, in
	// which case internal and external ports coincide.
	HostNetworking bool    `json:"host_networking"`
	PricePerHour   float64 `json:"dph_total"`
	TotalCost      float64 `json:"total_cost"`
	GPUName        string  `json:"gpu_name"`
	GPUCount       int     `json:"num_gpus"`
}

// PortBinding mirrors the docker port binding shape used by the
// marketplace status API.
type PortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// Running reports whether the marketplace considers the machine up. This
// is an infrastructure-level signal only; the application inside may still
// be loading (see the readiness prober).
func (s *InstanceStatus) Running() bool {
	return s.ActualStatus == "running"
}

// Failed reports whether the machine is beyond recovery for this rental.
func (s *InstanceStatus) Failed() bool {
	return s.ActualStatus == "failed" || s.ActualStatus == "exited"
}
