// Package cmn provides shared configuration, the global config owner,
// and the error taxonomy used across entitysync.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"time"

	"go.uber.org/atomic"
)

// ConnectionConfig holds the per-connection reliability parameters (§6).
type ConnectionConfig struct {
	DisconnectionTimeout   time.Duration
	HeartbeatInterval      time.Duration
	RTTInitialEstimate     time.Duration
	RTTSmoothingFactor     float32
	BandwidthMeasureDuration *time.Duration

	ResendRTTFactor        float32 // RESEND_RTT_FACTOR
	DropUpdateRTTFactor    float32 // DROP_UPDATE_RTT_FACTOR
	ResendCommandRTTFactor float32 // RESEND_COMMAND_RTT_FACTOR
	CommandRecordTTL       time.Duration
	WaitlistTTL            time.Duration
	RedirectTTL            time.Duration
	KeyRecyclerTTL         time.Duration
	MaxInFlightPerEntity   int
}

// PingConfig holds RTT-sampling parameters, distinct from the heartbeat
// keepalive of ConnectionConfig (§4.7).
type PingConfig struct {
	PingInterval  time.Duration
	RTTSampleSize int
}

// CompressionMode discriminates the three CompressionConfig variants (§6).
type CompressionMode int

const (
	CompressionDefault CompressionMode = iota
	CompressionDictionary
	CompressionTraining
)

// CompressionConfig configures the optional compress.Codec pass.
type CompressionConfig struct {
	Mode        CompressionMode
	Level       int
	Dictionary  []byte // only meaningful when Mode == CompressionDictionary
	SampleCount int    // only meaningful when Mode == CompressionTraining
}

// DefaultConnectionConfig returns the §6 documented defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		DisconnectionTimeout:   10 * time.Second,
		HeartbeatInterval:      4 * time.Second,
		RTTInitialEstimate:     200 * time.Millisecond,
		RTTSmoothingFactor:     0.125,
		ResendRTTFactor:        1.5,
		DropUpdateRTTFactor:    1.5,
		ResendCommandRTTFactor: 1.5,
		CommandRecordTTL:       60 * time.Second,
		WaitlistTTL:            60 * time.Second,
		RedirectTTL:            60 * time.Second,
		KeyRecyclerTTL:         60 * time.Second,
		MaxInFlightPerEntity:   64,
	}
}

// DefaultPingConfig returns reasonable RTT-sampling defaults.
func DefaultPingConfig() *PingConfig {
	return &PingConfig{
		PingInterval:  1 * time.Second,
		RTTSampleSize: 16,
	}
}

// Config bundles the three config structs GCO owns.
type Config struct {
	Conn        ConnectionConfig
	Ping        PingConfig
	Compression CompressionConfig
}

///////////////////////
// globalConfigOwner //
///////////////////////

// GCO (Global Config Owner) mirrors the teacher's cmn.GCO: an atomic-
// pointer-backed singleton other packages read via Get() and update via
// BeginUpdate/CommitUpdate, never holding a lock across I/O.
var GCO = newGlobalConfigOwner()

type globalConfigOwner struct {
	c   atomic.Pointer[Config]
	mtx atomic.Bool // simple update-in-progress guard; callers serialize updates
}

func newGlobalConfigOwner() *globalConfigOwner {
	gco := &globalConfigOwner{}
	initial := &Config{
		Conn:        *DefaultConnectionConfig(),
		Ping:        *DefaultPingConfig(),
		Compression: CompressionConfig{Mode: CompressionDefault, Level: 1},
	}
	gco.c.Store(initial)
	return gco
}

func (gco *globalConfigOwner) Get() *Config {
	return gco.c.Load()
}

func (gco *globalConfigOwner) Put(config *Config) {
	gco.c.Store(config)
}

// BeginUpdate must be followed by CommitUpdate or DiscardUpdate.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	for !gco.mtx.CAS(false, true) {
		// spin: config updates are rare (handshake/admin time), not a hot path
	}
	cur := gco.Get()
	clone := *cur
	return &clone
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	gco.c.Store(config)
	gco.mtx.Store(false)
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Store(false)
}
