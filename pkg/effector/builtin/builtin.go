// Package builtin assembles the registry of built-in effectors. Registration
// order is fixed: filesystem, shell, network, echo.
package builtin

import (
	"fmt"

	"github.com/leash-dev/leash/pkg/effector"
	"github.com/leash-dev/leash/pkg/effector/echo"
	"github.com/leash-dev/leash/pkg/effector/fs"
	"github.com/leash-dev/leash/pkg/effector/network"
	"github.com/leash-dev/leash/pkg/effector/shell"
)

// Registry builds a registry with every built-in effector registered.
func Registry() (*effector.Registry, error) {
	r := effector.NewRegistry()

	fsEff, err := fs.New()
	if err != nil {
		return nil, fmt.Errorf("init filesystem effector: %w", err)
	}
	r.Register(fsEff)

	shellEff, err := shell.New()
	if err != nil {
		return nil, fmt.Errorf("init shell effector: %w", err)
	}
	r.Register(shellEff)

	netEff, err := network.New()
	if err != nil {
		return nil, fmt.Errorf("init network effector: %w", err)
	}
	r.Register(netEff)

	echoEff, err := echo.New()
	if err != nil {
		return nil, fmt.Errorf("init echo effector: %w", err)
	}
	r.Register(echoEff)

	return r, nil
}
