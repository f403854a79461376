// Package rtcfg holds the runtime's process-wide configuration, following
// aistore's cmn.GCO (global config owner) pattern: a value type plus an
// atomic holder so readers never observe a partially-updated struct.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rtcfg

import "sync/atomic"

// Config carries the tunables left to "configuration parsing" (an external
// collaborator) but that concrete components need in hand.
type Config struct {
	// NodeCount is the cluster size used by the command graph generator
	// (chunk splitting) and the BTM (reduction completion count).
	NodeCount int
	// LocalNodeID is this process's node id.
	LocalNodeID uint64
	// HorizonStepMinLength is the minimum longest-path length from the
	// previous horizon before a new one is inserted (this design, default 2).
	HorizonStepMinLength int
	// ElementSize is the byte size of one buffer element, used to size
	// wire frame payloads (this design).
	ElementSize int
	// Compression gates optional LZ4 payload compression in the BTM.
	Compression bool
	// PollBatchSize bounds how many pending receives/sends the executor's
	// poll() drains per call.
	PollBatchSize int
}

// DefaultConfig returns the out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		NodeCount:            1,
		LocalNodeID:          0,
		HorizonStepMinLength: 2,
		ElementSize:          8,
		Compression:          false,
		PollBatchSize:        64,
	}
}

// holder is the process-wide atomic config owner, "GCO" in aistore's
// vocabulary.
type holder struct {
	v atomic.Value
}

var gco holder

func init() {
	gco.v.Store(DefaultConfig())
}

// Get returns the current configuration snapshot.
func Get() Config { return gco.v.Load().(Config) }

// Set installs a new configuration snapshot, effective for subsequent Get
// calls.
func Set(c Config) { gco.v.Store(c) }
