package rpc

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// DefaultLiveness is the liveness timeout assumed when none is configured
const DefaultLiveness = 30 * time.Second

// minClientPing is the shortest keepalive interval grpc-go lets a client use
const minClientPing = 10 * time.Second

// ServerKeepalive derives transport keepalive from the stream liveness
// timeout. A connection that has been silent for liveness/3 is pinged and
// closed when the ping goes unanswered for another liveness/3, which ends
// every stream on it, including held locks.
func ServerKeepalive(liveness time.Duration) (keepalive.ServerParameters, keepalive.EnforcementPolicy) {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	params := keepalive.ServerParameters{
		Time:    liveness / 3,
		Timeout: liveness / 3,
	}
	policy := keepalive.EnforcementPolicy{
		MinTime:             minClientPing / 2,
		PermitWithoutStream: true,
	}
	return params, policy
}

// ClientKeepalive is the client side of ServerKeepalive. grpc-go raises
// intervals below ten seconds to ten seconds.
func ClientKeepalive(liveness time.Duration) keepalive.ClientParameters {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	interval := liveness / 3
	if interval < minClientPing {
		interval = minClientPing
	}
	return keepalive.ClientParameters{
		Time:                interval,
		Timeout:             interval,
		PermitWithoutStream: true,
	}
}

func keepaliveOptions(liveness time.Duration) []grpc.ServerOption {
	params, policy := ServerKeepalive(liveness)
	return []grpc.ServerOption{
		grpc.KeepaliveParams(params),
		grpc.KeepaliveEnforcementPolicy(policy),
	}
}
