// Package rpc connects the coordinator to out-of-process participants.
//
// Remote participants expose the three commit phases as a gRPC service;
// this package adapts such an endpoint to the participant.Participant
// interface so the registry cannot tell local and remote resource managers
// apart.
//
// The wire protocol is deliberately schema-light: every phase takes and
// returns a structpb.Struct, so participant services need no shared
// generated code beyond the well-known types. Requests carry the
// participant id and the transaction id the coordinator stamped on the
// context; failures travel back as gRPC status errors, which the error
// classifier already understands.
//
// # Quick Start
//
//	client, err := rpc.NewClient(ctx, rpc.Config{Endpoint: "inventory:9090"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	registry.Register(rpc.NewParticipant("inventory-service", client))
package rpc

import "time"

// Config holds the connection settings for one participant endpoint.
type Config struct {
	// Endpoint is the dial target. An https scheme or :443 suffix switches
	// the connection to TLS.
	Endpoint string `yaml:"endpoint"`

	// CallTimeout bounds each phase invocation. Zero means 10s.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// DialTimeout bounds each connection attempt. Zero means 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

const (
	defaultCallTimeout = 10 * time.Second
	defaultDialTimeout = 10 * time.Second

	// serviceName is the gRPC service remote participants implement.
	serviceName = "txflow.v1.Participant"
)

func fullMethod(phase string) string {
	return "/" + serviceName + "/" + phase
}
