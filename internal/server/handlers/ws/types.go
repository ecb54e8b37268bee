package ws

import (
	"github.com/driftfs/driftfs/internal/wsproto"
)

type ClientInfo struct {
	User       string
	IPAddr     string
	Version    string
	WSEncoding wsproto.Encoding
}
