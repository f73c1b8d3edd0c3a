// Package afspm is a framework for automating scanning probe microscopy
// experiments.
//
// An experiment is a set of processes connected over NATS:
//
//   - A translator wraps one microscope. It executes control requests
//     against the device and publishes the device's state, scans and
//     spectra (package device).
//   - The scheduler rebroadcasts everything the translator publishes,
//     keeping a bounded history per envelope so late subscribers can catch
//     up, and arbitrates which component may command the microscope
//     (packages pubsub, control, scheduler).
//   - Components subscribe to the broadcast and send requests through the
//     router. The scan handler tiles a region with scans (package scan);
//     the monitor forwards the broadcast to websocket clients (package
//     gateway).
//
// # Data flow
//
//	translator --pub--> relay --sub--> components
//	     ^                                 |
//	     +---device---- router <--router---+
//
// Broadcast frames carry an envelope name ("Scan2d_Z", "ControlState") and
// a payload encoded with the configured codec (JSON or CBOR, optionally
// zstd or lz4 compressed; package wire). Envelopes are matched by prefix,
// so a subscriber to "Scan2d" receives every scan channel.
//
// # Control
//
// One client at a time holds control, in the router's current mode
// (AUTOMATED or MANUAL). Flagging an experiment problem switches the
// router to PROBLEM, where only problem handlers may take control, until
// the last problem is removed. An end-experiment request broadcasts a kill
// signal that stops every process.
//
// # Running
//
//	afspm scheduler --config afspm.yaml
//	afspm translator --config afspm.yaml
//	afspm scanner --config afspm.yaml
//	afspm monitor --config afspm.yaml
//	afspm ctl add-problem tip-damaged
//	afspm ctl end
//
// See package config for the configuration file and its AFSPM_*
// environment overrides.
package afspm
