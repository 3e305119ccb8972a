package peers

import (
	"net"
	"strconv"
	"strings"

	"github.com/wgcontrol/wgcontrol/lib/wgconf"
)

// Fixed values of every generated client definition.
const (
	CatchAllRoute       = "0.0.0.0/0"
	PersistentKeepalive = 25
)

// ClientParams are the inputs of a client-side definition.
type ClientParams struct {
	PrivateKey      string
	Address         string
	DNS             []string
	PresharedKey    string
	ServerPublicKey string
	Endpoint        string
	Port            int
}

// RenderClientConfig renders the definition a client imports. Output depends
// only on p, so a definition re-rendered from stored secrets is identical to
// the one returned when the peer was added.
func RenderClientConfig(p ClientParams) string {
	iface := wgconf.Block{
		{Key: wgconf.KeyPrivateKey, Value: p.PrivateKey},
		{Key: wgconf.KeyAddress, Value: p.Address},
		{Key: wgconf.KeyDNS, Value: strings.Join(p.DNS, ", ")},
	}
	peer := wgconf.Block{
		{Key: wgconf.KeyPresharedKey, Value: p.PresharedKey},
		{Key: wgconf.KeyPublicKey, Value: p.ServerPublicKey},
		{Key: wgconf.KeyAllowedIPs, Value: CatchAllRoute},
		{Key: wgconf.KeyEndpoint, Value: net.JoinHostPort(p.Endpoint, strconv.Itoa(p.Port))},
		{Key: wgconf.KeyPersistentKeepalive, Value: strconv.Itoa(PersistentKeepalive)},
	}
	return wgconf.RenderSection(wgconf.SectionInterface, iface) + wgconf.RenderSection(wgconf.SectionPeer, peer)
}

// hostAddress returns the single-host CIDR of ip.
func hostAddress(ip string) string {
	return ip + "/32"
}
