package models

// PumpState represents the lifecycle state of a frame pump
type PumpState string

const (
	PumpStateStopped PumpState = "stopped"
	PumpStateRunning PumpState = "running"
)

// PumpStats tracks pump cycle outcomes
type PumpStats struct {
	Cycles            uint64 `json:"cycles"`
	FramesDelivered   uint64 `json:"framesDelivered"`
	NotConnected      uint64 `json:"notConnected"`
	HeaderInvalid     uint64 `json:"headerInvalid"`
	DimensionMismatch uint64 `json:"dimensionMismatch"`
	TornFrames        uint64 `json:"tornFrames"`
	SinkPanics        uint64 `json:"sinkPanics"`
	LastTimestamp     int64  `json:"lastTimestamp"`
	LastError         string `json:"lastError,omitempty"`
}

// HubStats tracks fan-out delivery to in-process subscribers
type HubStats struct {
	FramesPublished uint64 `json:"framesPublished"`
	FramesDropped   uint64 `json:"framesDropped"`
	Subscribers     int    `json:"subscribers"`
}

// StatusResponse is returned by GET /api/v1/status
type StatusResponse struct {
	State      PumpState   `json:"state"`
	Region     string      `json:"region"`
	Connected  bool        `json:"connected"`
	Resolution string      `json:"resolution"`
	Format     PixelFormat `json:"format"`
	Sequenced  bool        `json:"sequenced"`
	Driver     string      `json:"driver"`
	Pump       PumpStats   `json:"pump"`
	Hub        HubStats    `json:"hub"`
	UptimeSecs int         `json:"uptimeSeconds"`
}

// PumpControlResponse is returned by POST /api/v1/pump/{start,stop}
type PumpControlResponse struct {
	Message string    `json:"message"`
	State   PumpState `json:"state"`
}
