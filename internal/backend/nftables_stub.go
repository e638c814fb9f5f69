//go:build !linux
// +build !linux

package backend

import (
	"context"
	"fmt"
	"runtime"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

// ErrNotSupported is returned when nftables operations are attempted
// on non-Linux systems.
var ErrNotSupported = fmt.Errorf("nftables not supported on %s", runtime.GOOS)

// NFTables is the non-Linux stub; it never reports as available.
type NFTables struct{}

// NewNFTables creates the stub adapter.
func NewNFTables(runner CommandRunner, logger *logging.Logger) *NFTables {
	return &NFTables{}
}

// Name returns "nftables".
func (n *NFTables) Name() string { return "nftables" }

// Available always reports false off Linux.
func (n *NFTables) Available() bool { return false }

func (n *NFTables) Initialize(ctx context.Context) error { return ErrNotSupported }

func (n *NFTables) ApplyRule(ctx context.Context, r rule.Rule) error { return ErrNotSupported }

func (n *NFTables) Enable(ctx context.Context) error { return ErrNotSupported }

func (n *NFTables) Status(ctx context.Context) (Status, error) { return Status{}, ErrNotSupported }

func (n *NFTables) AddVerifiedHost(ctx context.Context, addr string) error { return ErrNotSupported }

func (n *NFTables) RemoveVerifiedHost(ctx context.Context, addr string) error {
	return ErrNotSupported
}

func (n *NFTables) AddCompromisedHost(ctx context.Context, addr string) error {
	return ErrNotSupported
}

func (n *NFTables) TrustSets(ctx context.Context) (TrustSets, error) {
	return TrustSets{}, ErrNotSupported
}
