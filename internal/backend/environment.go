package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/lnfi-network/lnlauncher/internal/env"
)

// Fixed ports the backend forwards to the daemons.
const (
	LNDRPCPort       = 10009
	LNDListenPort    = 9735
	LNDRESTPort      = 8080
	RGBListeningPort = 3001
	RGBPeerPort      = 9735
)

// BuildEnv composes the backend environment for port: the base environment,
// then the dotenv overlay, then configured extra variables, then the fixed
// keys, which always win.
func (s *Supervisor) BuildEnv(ctx context.Context, port int) ([]string, error) {
	e := env.New()
	if s.opts.BaseEnv != nil {
		e.FromMap(s.opts.BaseEnv)
	} else {
		e.FromOS()
	}
	if f := s.opts.EnvFile; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(s.opts.Paths.BackendDir, f)
		}
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	e.SetAll(s.opts.ExtraEnv)

	owner := ""
	if s.opts.Identity != nil {
		o, err := s.opts.Identity.Owner(ctx)
		if err != nil {
			return nil, fmt.Errorf("owner identifier: %w", err)
		}
		owner = o
	}

	p := s.opts.Paths
	ps := strconv.Itoa(port)
	fixed := []string{
		"ELECTRON_RUN=true",
		"LIT_NAME=" + s.opts.AppName,
		"LIT_DATA_PATH=" + p.DataDir,
		"LIT_LOCAL_BASE_PATH=" + filepath.Join(p.DataDir, s.opts.AppName),
		"LIT_ENABLE_TOR=false",
		"LND_RPC_PORT=" + strconv.Itoa(LNDRPCPort),
		"LND_LISTEN_PORT=" + strconv.Itoa(LNDListenPort),
		"LND_REST_PORT=" + strconv.Itoa(LNDRESTPort),
		"PORT=" + ps,
		"LINK_HTTP_PORT=" + ps,
		"BINARY_PATH=" + p.BinaryDir,
		"LINK_OWNER=" + owner,
		"RGB_LISTENING_PORT=" + strconv.Itoa(RGBListeningPort),
		"RGB_LDK_PEER_LISTENING_PORT=" + strconv.Itoa(RGBPeerPort),
		"RGB_NETWORK=" + s.opts.Network,
		"NODE_PATH=" + e.PrependList("NODE_PATH", p.BackendDepsDir),
	}
	return e.Merge(fixed), nil
}
