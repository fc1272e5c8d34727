// Package armkit provides a teleoperation host for a pair of robot arms.
//
// The host relays operator joint commands to the arm drivers in real
// time, publishes joint observations back, and diagnoses and recovers
// faulted motors on request. Every channel is loss tolerant: a missing
// peer never blocks the control loop, and stale messages are conflated
// away so the arms always follow the freshest command.
//
// # Usage
//
// Start the host with the built-in simulated arms:
//
//	armkit serve
//
// or point it at real hardware with a config file:
//
//	armkit serve -c host.yaml
//
// Request fault recovery on a running host:
//
//	armkit enable --arm both --mode partial
//
// Watch the observation broadcast live:
//
//	armkit monitor
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/armkit: CLI with serve, enable, status and monitor commands
//   - pkg/relay: the real-time command/observation relay loop
//   - pkg/recovery: motor fault diagnosis and enable recovery
//   - pkg/joint: joint-space normalization and command merging
//   - pkg/driver: arm driver interface and backends
//   - pkg/session: per-arm connection state and command cache
//   - pkg/channel: conflating UDP channels
package armkit
