// Package device is the microscope side of afspm: the Translator serves
// device requests forwarded by the router and publishes what the microscope
// does, through a Driver that speaks to the actual controller.
//
// ConfigDriver implements the request hooks of a Driver on top of a
// Capabilities registry, itself built from a declarative mapping of generic
// parameter and action names to device keys.
package device

import (
	"context"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
)

// Driver talks to one microscope controller. Poll methods are called from
// the translator loop; On methods answer forwarded requests.
type Driver interface {
	PollScopeState(ctx context.Context) (message.ScopeState, error)
	PollScanParams(ctx context.Context) (message.ScanParameters2d, error)
	PollZCtrlParams(ctx context.Context) (message.ZCtrlParameters, error)
	// PollScans returns the latest scan, one Scan2d per channel.
	PollScans(ctx context.Context) ([]*message.Scan2d, error)
	// PollSpecs returns the latest spectroscopy results.
	PollSpecs(ctx context.Context) ([]*message.Spec1d, error)

	OnStartScan(ctx context.Context) control.ResponseCode
	OnStopScan(ctx context.Context) control.ResponseCode
	OnStartSpec(ctx context.Context) control.ResponseCode
	OnStopSpec(ctx context.Context) control.ResponseCode
	OnSetScanParams(ctx context.Context, p message.ScanParameters2d) control.ResponseCode
	OnSetProbePos(ctx context.Context, p message.ProbePosition) control.ResponseCode
	OnSetZCtrlParams(ctx context.Context, p message.ZCtrlParameters) control.ResponseCode

	// Capabilities serves REQ_PARAM. Nil means parameters are not supported.
	Capabilities() *Capabilities
}

// Publisher sends translator output upstream. *pubsub.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg message.Payload) error
}
