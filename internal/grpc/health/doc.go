// Package health exposes pipeline state through the standard gRPC health
// checking protocol.
//
// The overall service "vpipe" is serving while the daemon runs. Each display
// path reports under "vpipe.pipeline.N": SERVING once its init completed,
// NOT_SERVING otherwise. Load balancers and orchestrators can probe either.
package health
