package daemon

import "encoding/json"

// configStore is the subset of internal/store.Store persistTrustedPorts
// needs to write discovery results back into the reducer's dynamic
// trusted-port config key.
type configStore interface {
	SetConfig(key, value string) error
}

// persistTrustedPorts writes ports to the "trusted_ports_dynamic" config
// key, the same key internal/reduction reads when computing its trusted
// port set.
func persistTrustedPorts(st configStore, ports []int) error {
	data, err := json.Marshal(ports)
	if err != nil {
		return err
	}
	return st.SetConfig("trusted_ports_dynamic", string(data))
}
