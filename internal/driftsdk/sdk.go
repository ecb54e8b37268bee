// Package driftsdk is the HTTP surface of the sync server as seen by
// clients: token refresh and health checks. The sync protocol itself runs
// over the websocket transport, not through here.
package driftsdk

import (
	"fmt"
	"runtime"
	"time"

	"github.com/imroc/req/v3"

	"github.com/driftfs/driftfs/internal/version"
)

const (
	HeaderDriftVersion = "X-Drift-Version"
	HeaderDriftUser    = "X-Drift-User"
)

var UserAgent = fmt.Sprintf("%s/%s (%s; %s)", version.AppName, version.Version, runtime.GOOS, runtime.GOARCH)

// HTTPClient is the shared client for server API calls.
var HTTPClient = req.C().
	SetCommonRetryCount(3).
	SetCommonRetryFixedInterval(1 * time.Second).
	SetUserAgent(UserAgent).
	SetCommonHeader(HeaderDriftVersion, version.Version)
