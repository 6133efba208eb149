package op

// Discovery is one peripheral reported by a scan or by an external
// scan/filter subsystem.
type Discovery struct {
	Key      string   `json:"key"`
	Name     string   `json:"name,omitempty"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}
