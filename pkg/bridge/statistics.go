// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// errCRC is wrapped by decode errors caused by a checksum mismatch
var errCRC = errors.New("CRC mismatch")

// Statistics tracks frame counts and error rates of one bridge link
type Statistics struct {
	mu sync.Mutex
	Counters
}

// Counters is a point-in-time copy of link statistics
type Counters struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesSent     uint64
	FramesReceived uint64
	CRCErrors      uint64
	DecodeErrors   uint64
	RemoteErrors   uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{Counters: Counters{
		StartTime:      now,
		LastUpdateTime: now,
	}}
}

// Sent records an outgoing frame
func (s *Statistics) Sent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesSent++
	s.LastUpdateTime = time.Now()
}

// Received records an incoming frame, or the error that kept one from
// being decoded
func (s *Statistics) Received(f *Frame, decodeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, errCRC) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	s.FramesReceived++
	if f != nil && f.Kind == KindError {
		s.RemoteErrors++
	}
}

// Snapshot returns a copy of the counters with rates calculated
func (s *Statistics) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
	return s.Counters
}

// Total returns every frame seen in either direction, including those that
// failed to decode
func (c Counters) Total() uint64 {
	return c.FramesSent + c.FramesReceived + c.CRCErrors + c.DecodeErrors
}

// Errors returns the number of link and remote errors
func (c Counters) Errors() uint64 {
	return c.CRCErrors + c.DecodeErrors + c.RemoteErrors
}

func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.Total()) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	snap := s.Snapshot()

	var errorPercent float64
	if total := snap.Total(); total > 0 {
		errorPercent = float64(snap.Errors()) * 100.0 / float64(total)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Bridge Statistics (%.0f seconds) ===\n", time.Since(snap.StartTime).Seconds())
	fmt.Fprintf(&b, "Frames Sent:     %8d\n", snap.FramesSent)
	fmt.Fprintf(&b, "Frames Received: %8d\n", snap.FramesReceived)
	if snap.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d\n", snap.CRCErrors)
	}
	if snap.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d\n", snap.DecodeErrors)
	}
	if snap.RemoteErrors > 0 {
		fmt.Fprintf(&b, "Remote Errors:   %8d\n", snap.RemoteErrors)
	}
	fmt.Fprintf(&b, "Error Share:     %8.1f%%\n", errorPercent)
	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", snap.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", snap.ErrorRate)
	b.WriteString("=====================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.Counters = Counters{StartTime: now, LastUpdateTime: now}
}
