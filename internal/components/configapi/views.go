package configapi

import "github.com/encryptor-sim/controlplane/internal/store"

// interfaceView is the public shape of an Interface resource. It carries
// every store.Interface field except the surrogate ID; kept as its own type so a
// future field never leaks onto the wire just by being added to the store
// entity.
type interfaceView struct {
	Name      string  `json:"name"`
	Namespace string  `json:"namespace"`
	Device    string  `json:"device"`
	IPAddress *string `json:"ipAddress"`
	Netmask   *string `json:"netmask"`
	Gateway   *string `json:"gateway"`
}

func newInterfaceView(i *store.Interface) interfaceView {
	return interfaceView{
		Name:      i.Name,
		Namespace: i.Namespace,
		Device:    i.Device,
		IPAddress: i.IPAddress,
		Netmask:   i.Netmask,
		Gateway:   i.Gateway,
	}
}

// interfaceConfigureRequest is the body of POST /interfaces/{name}/configure.
type interfaceConfigureRequest struct {
	IPAddress string `json:"ipAddress"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
}

// peerView is the public shape of a Peer. PSKEncrypted/PSKNonce never
// appear here (spec §8: "no PSK ever in a response"); OperationalStatus is
// computed fresh on every read.
type peerView struct {
	ID                int64       `json:"id"`
	Name              string      `json:"name"`
	RemoteIP          string      `json:"remoteIp"`
	IKEVersion        string      `json:"ikeVersion"`
	Enabled           bool        `json:"enabled"`
	DPDAction         string      `json:"dpdAction"`
	DPDDelaySec       int         `json:"dpdDelaySec"`
	DPDTimeoutSec     int         `json:"dpdTimeoutSec"`
	RekeyTimeSec      int         `json:"rekeyTimeSec"`
	OperationalStatus string      `json:"operationalStatus"`
	Routes            []routeView `json:"routes,omitempty"`
}

func newPeerView(p *store.Peer, routes []*store.Route) peerView {
	v := peerView{
		ID:                p.ID,
		Name:              p.Name,
		RemoteIP:          p.RemoteIP,
		IKEVersion:        p.IKEVersion,
		Enabled:           p.Enabled,
		DPDAction:         p.DPDAction,
		DPDDelaySec:       p.DPDDelaySec,
		DPDTimeoutSec:     p.DPDTimeoutSec,
		RekeyTimeSec:      p.RekeyTimeSec,
		OperationalStatus: p.ComputeOperationalStatus(),
	}
	for _, r := range routes {
		v.Routes = append(v.Routes, newRouteView(r))
	}
	return v
}

// peerRequest is the body of POST /peers and PUT /peers/{id}. PSK is the
// plaintext secret; it is validated, encrypted with the vault, and
// discarded before any response or log line is built. An empty PSK on
// update means "leave the existing secret unchanged".
type peerRequest struct {
	Name          string   `json:"name"`
	RemoteIP      string   `json:"remoteIp"`
	PSK           string   `json:"psk"`
	IKEVersion    string   `json:"ikeVersion"`
	Enabled       bool     `json:"enabled"`
	DPDAction     string   `json:"dpdAction"`
	DPDDelaySec   int      `json:"dpdDelaySec"`
	DPDTimeoutSec int      `json:"dpdTimeoutSec"`
	RekeyTimeSec  int      `json:"rekeyTimeSec"`
	Routes        []string `json:"routes"`
}

// routeView is the public shape of a Route.
type routeView struct {
	ID              int64  `json:"id"`
	PeerID          int64  `json:"peerId"`
	DestinationCIDR string `json:"destinationCidr"`
}

func newRouteView(r *store.Route) routeView {
	return routeView{ID: r.ID, PeerID: r.PeerID, DestinationCIDR: r.DestinationCIDR}
}

// routeRequest is the body of POST /routes.
type routeRequest struct {
	PeerID          int64  `json:"peerId"`
	DestinationCIDR string `json:"destinationCidr"`
}

func routeCIDRs(routes []*store.Route) []string {
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.DestinationCIDR
	}
	return out
}
