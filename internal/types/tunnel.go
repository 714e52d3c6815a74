package types

import (
	"fmt"
	"strings"
)

// TunnelKey identifies a tunnel by the SSH login it runs under ("user@host").
type TunnelKey string

// KeyFor derives the key shared by tunnels and stored credentials.
func KeyFor(username, host string) TunnelKey {
	return TunnelKey(username + "@" + host)
}

func (k TunnelKey) String() string {
	return string(k)
}

// TunnelSpec describes a local port forward through an SSH host
type TunnelSpec struct {
	// Optional display name (from the config file)
	Name string

	// SSH login
	Host     string
	Username string

	// Forward: LocalPort -> RemoteHost:RemotePort, resolved on Host
	LocalPort  uint16
	RemoteHost string
	RemotePort uint16
}

// Key returns the registry key of the tunnel
func (s TunnelSpec) Key() TunnelKey {
	return KeyFor(s.Username, s.Host)
}

// Forward renders the -L argument for ssh
func (s TunnelSpec) Forward() string {
	return fmt.Sprintf("%d:%s:%d", s.LocalPort, s.RemoteHost, s.RemotePort)
}

// Label is what the console shows for a tunnel
func (s TunnelSpec) Label() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.Key().String()
}
